package submission

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"sentinel/internal/logger"
	"sentinel/pkg/models"
)

// Parse converts a JSON event submission from the web application into
// an Event. Keys may be snake_case or camelCase; unrecognized attribute
// keys land in Extra.
func Parse(data []byte) (*models.Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return FromMap(raw)
}

// FromMap builds an Event from an already decoded submission.
func FromMap(raw map[string]interface{}) (*models.Event, error) {
	kind := getString(raw, "kind", "type", "event.kind")
	if kind == "" {
		return nil, fmt.Errorf("submission has no kind")
	}

	event := &models.Event{
		ID:        getString(raw, "id", "event.id"),
		Kind:      models.EventKind(strings.ToLower(strings.ReplaceAll(kind, "_", "-"))),
		SubjectID: getString(raw, "subject_id", "subjectId", "subject", "source.ip"),
	}

	if sev := getString(raw, "severity", "event.severity"); sev != "" {
		parsed, err := models.ParseSeverity(sev)
		if err != nil {
			logger.Warnf("Ignoring severity of %s submission: %v", kind, err)
		} else {
			event.Severity = parsed
		}
	}

	if ts := getString(raw, "@timestamp", "timestamp"); ts != "" {
		if t, ok := parseTime(ts); ok {
			event.Timestamp = t
		} else {
			logger.Warnf("Unparseable timestamp %q on %s submission", ts, kind)
		}
	}

	if v, ok := getPath(raw, "attributes"); ok {
		attrs, isMap := v.(map[string]interface{})
		if !isMap {
			return nil, fmt.Errorf("attributes must be an object")
		}
		event.Attributes = parseAttributes(attrs)
	}

	if event.SubjectID == "" {
		event.SubjectID = firstNonEmpty(event.Attributes.IPAddress, event.Attributes.UserID)
	}
	return event, nil
}

func parseAttributes(raw map[string]interface{}) models.Attributes {
	var a models.Attributes
	for key, v := range raw {
		switch snakeCase(key) {
		case "admin_function":
			a.AdminFunction = toBool(v)
		case "multiple_failures":
			a.MultipleFailures = toBool(v)
		case "external_source":
			a.ExternalSource = toBool(v)
		case "ip_address", "ip":
			a.IPAddress = toString(v)
		case "user_id":
			a.UserID = toString(v)
		case "path":
			a.Path = toString(v)
		case "message":
			a.Message = toString(v)
		case "channel":
			a.Channel = toString(v)
		case "unit_id":
			a.UnitID = toString(v)
		case "status":
			a.Status = toString(v)
		case "previous_status":
			a.PreviousStatus = toString(v)
		case "amount":
			a.Amount = toFloat(v)
		case "extra":
			if m, ok := v.(map[string]interface{}); ok {
				for k, ev := range m {
					setExtra(&a, k, toString(ev))
				}
			}
		default:
			setExtra(&a, key, toString(v))
		}
	}
	return a
}

func setExtra(a *models.Attributes, key, value string) {
	if a.Extra == nil {
		a.Extra = make(map[string]string)
	}
	a.Extra[key] = value
}

// snakeCase maps userId and user-id to user_id.
func snakeCase(key string) string {
	var b strings.Builder
	for i, r := range key {
		switch {
		case r == '-':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}

	for _, layout := range []string{
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), true
		}
	}

	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func toBool(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	case float64:
		return val != 0
	}
	return false
}

func toFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	}
	return 0
}

func getString(root map[string]interface{}, paths ...string) string {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			if s := toString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func getPath(root map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := root[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var current interface{} = root
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}
