package hostfuncs

import (
	"context"

	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// UIRequest is the payload of every ui.* function.
type UIRequest struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
	Default string `json:"default,omitempty"`
}

// UIResponse is the result of a ui.* function.
type UIResponse struct {
	Error     *ErrorResponse `json:"error,omitempty"`
	Value     string         `json:"value,omitempty"`
	Confirmed bool           `json:"confirmed,omitempty"`
	OK        bool           `json:"ok"`
}

type uiHandlers struct {
	ui ports.UI
}

func uiFailure(e ErrorResponse) UIResponse {
	return UIResponse{Error: &e}
}

func (h uiHandlers) notify(ctx context.Context, req UIRequest) UIResponse {
	if req.Message == "" {
		return uiFailure(NewValidationError("message is required"))
	}
	level := req.Level
	if level == "" {
		level = "info"
	}
	if err := h.ui.Notify(ctx, PluginIDFrom(ctx), level, req.Message); err != nil {
		return uiFailure(NewInternalError(err.Error()))
	}
	return UIResponse{OK: true}
}

func (h uiHandlers) confirm(ctx context.Context, req UIRequest) UIResponse {
	if req.Message == "" {
		return uiFailure(NewValidationError("message is required"))
	}
	ok, err := h.ui.Confirm(ctx, PluginIDFrom(ctx), req.Message)
	if err != nil {
		return uiFailure(NewInternalError(err.Error()))
	}
	return UIResponse{Confirmed: ok, OK: true}
}

func (h uiHandlers) prompt(ctx context.Context, req UIRequest) UIResponse {
	if req.Message == "" {
		return uiFailure(NewValidationError("message is required"))
	}
	v, err := h.ui.Prompt(ctx, PluginIDFrom(ctx), req.Message, req.Default)
	if err != nil {
		return uiFailure(NewInternalError(err.Error()))
	}
	return UIResponse{Value: v, OK: true}
}
