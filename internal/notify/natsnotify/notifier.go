package natsnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"sentinel/internal/logger"
	"sentinel/pkg/models"
)

// Publisher is the subset of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures the NATS notifier.
type Config struct {
	URL           string
	SubjectPrefix string
	Timeout       time.Duration
}

// Notifier publishes notification commands on <prefix>.notify.<target>
// and block directives on <prefix>.block.
type Notifier struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
}

// New connects to NATS.
func New(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("sentinel"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n := NewWithPublisher(conn, cfg.SubjectPrefix)
	n.conn = conn
	logger.Infof("NATS notifier connected: %s", cfg.URL)
	return n, nil
}

// NewWithPublisher wraps an existing connection or a test double.
func NewWithPublisher(pub Publisher, prefix string) *Notifier {
	if prefix == "" {
		prefix = "sentinel"
	}
	return &Notifier{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Notify publishes each command to its target subject.
func (n *Notifier) Notify(ctx context.Context, cmds []*models.NotifyCommand) error {
	var errs []error
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.publish(n.NotifySubject(cmd.TargetRole), cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Block publishes block directives.
func (n *Notifier) Block(ctx context.Context, directives []*models.BlockDirective) error {
	var errs []error
	for _, d := range directives {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.publish(n.prefix+".block", d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifySubject maps a target such as role:security to
// <prefix>.notify.role.security.
func (n *Notifier) NotifySubject(target string) string {
	return n.prefix + ".notify." + subjectToken(strings.Replace(target, ":", ".", 1))
}

func (n *Notifier) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains an owned connection.
func (n *Notifier) Close() error {
	if n.conn != nil {
		return n.conn.Drain()
	}
	return nil
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '*', '>':
			return '_'
		}
		return r
	}, strings.ToLower(s))
}
