package pipeline

import (
	"context"

	"sentinel/pkg/models"
)

// Notifier hands notification commands and block directives to the
// collaborators that deliver them.
type Notifier interface {
	Notify(ctx context.Context, cmds []*models.NotifyCommand) error
	Block(ctx context.Context, directives []*models.BlockDirective) error
	Close() error
}
