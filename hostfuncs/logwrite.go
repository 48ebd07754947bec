package hostfuncs

import (
	"context"
	"log/slog"
	"strings"
)

// MaxLogMessageLength truncates plugin log messages.
const MaxLogMessageLength = 4096

// LogRequest is the payload of log.write.
type LogRequest struct {
	Attrs   map[string]any `json:"attrs,omitempty"`
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message"`
}

// LogResponse is the result of log.write.
type LogResponse struct {
	OK bool `json:"ok"`
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func writeLog(logger *slog.Logger) HostFunc[LogRequest, LogResponse] {
	return func(ctx context.Context, req LogRequest) LogResponse {
		msg := req.Message
		if len(msg) > MaxLogMessageLength {
			msg = msg[:MaxLogMessageLength]
		}
		args := make([]any, 0, 2+2*len(req.Attrs))
		args = append(args, "plugin", PluginIDFrom(ctx))
		for k, v := range req.Attrs {
			args = append(args, k, v)
		}
		logger.Log(ctx, parseLevel(req.Level), msg, args...)
		return LogResponse{OK: true}
	}
}
