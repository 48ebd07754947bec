package policy

import (
	"log/slog"

	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// Ensure implementations satisfy the interface.
var _ ports.DenialHandler = (*SlogDenialHandler)(nil)
var _ ports.DenialHandler = (*NopDenialHandler)(nil)

// SlogDenialHandler logs denials as warnings.
type SlogDenialHandler struct {
	Logger *slog.Logger
}

func (h *SlogDenialHandler) OnDenial(pluginID, kind, subject, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("access denied", "plugin", pluginID, "kind", kind, "subject", subject, "reason", reason)
}

// NopDenialHandler does nothing.
type NopDenialHandler struct{}

func (h *NopDenialHandler) OnDenial(pluginID, kind, subject, reason string) {}
