package lognotify

import (
	"context"

	"sentinel/internal/logger"
	"sentinel/pkg/models"
)

// Notifier writes notification commands and block directives to the
// log. It is the default when no message bus is configured.
type Notifier struct{}

// New returns a log notifier.
func New() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Notify(_ context.Context, cmds []*models.NotifyCommand) error {
	for _, cmd := range cmds {
		logger.With(logger.Fields{
			"target":   cmd.TargetRole,
			"priority": cmd.Priority,
			"rule":     cmd.RuleID,
			"event":    cmd.SourceEventID,
		}).Info(cmd.Message)
	}
	return nil
}

func (n *Notifier) Block(_ context.Context, directives []*models.BlockDirective) error {
	for _, d := range directives {
		logger.With(logger.Fields{
			"subject":  d.SubjectID,
			"duration": d.Duration.String(),
			"rule":     d.RuleID,
			"event":    d.SourceEventID,
		}).Warnf("Block requested: %s", d.Reason)
	}
	return nil
}

func (n *Notifier) Close() error {
	return nil
}
