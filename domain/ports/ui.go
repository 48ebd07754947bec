package ports

import "context"

// UI is the host surface behind the ui capability.
type UI interface {
	Notify(ctx context.Context, pluginID, level, message string) error
	Confirm(ctx context.Context, pluginID, message string) (bool, error)
	Prompt(ctx context.Context, pluginID, message, defaultValue string) (string, error)
}
