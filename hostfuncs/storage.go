package hostfuncs

import (
	"context"
	"strings"

	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// MaxStorageKeyLength bounds storage keys.
const MaxStorageKeyLength = 256

// StorageRequest is the payload of every storage.* function.
type StorageRequest struct {
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// StorageResponse is the result of a storage.* function.
type StorageResponse struct {
	Error *ErrorResponse `json:"error,omitempty"`
	Value string         `json:"value,omitempty"`
	Keys  []string       `json:"keys,omitempty"`
	Found bool           `json:"found,omitempty"`
	OK    bool           `json:"ok"`
}

type storageHandlers struct {
	store ports.KeyValueStore
}

func storageFailure(e ErrorResponse) StorageResponse {
	return StorageResponse{Error: &e}
}

// namespace returns the calling plugin's namespace, or an error response
// when the call is not bound to a plugin.
func namespace(ctx context.Context) (string, *ErrorResponse) {
	id := PluginIDFrom(ctx)
	if id == "" {
		e := NewValidationError("call is not bound to a plugin")
		return "", &e
	}
	return id, nil
}

func checkKey(key string) *ErrorResponse {
	if key == "" || len(key) > MaxStorageKeyLength {
		e := NewValidationError("key must be 1-256 bytes")
		return &e
	}
	return nil
}

func (h storageHandlers) get(ctx context.Context, req StorageRequest) StorageResponse {
	ns, e := namespace(ctx)
	if e == nil {
		e = checkKey(req.Key)
	}
	if e != nil {
		return StorageResponse{Error: e}
	}
	v, ok, err := h.store.Get(ctx, ns, req.Key)
	if err != nil {
		return storageFailure(NewInternalError(err.Error()))
	}
	return StorageResponse{Value: v, Found: ok, OK: true}
}

func (h storageHandlers) set(ctx context.Context, req StorageRequest) StorageResponse {
	ns, e := namespace(ctx)
	if e == nil {
		e = checkKey(req.Key)
	}
	if e != nil {
		return StorageResponse{Error: e}
	}
	if err := h.store.Set(ctx, ns, req.Key, req.Value); err != nil {
		return storageFailure(NewInternalError(err.Error()))
	}
	return StorageResponse{OK: true}
}

func (h storageHandlers) remove(ctx context.Context, req StorageRequest) StorageResponse {
	ns, e := namespace(ctx)
	if e == nil {
		e = checkKey(req.Key)
	}
	if e != nil {
		return StorageResponse{Error: e}
	}
	if err := h.store.Remove(ctx, ns, req.Key); err != nil {
		return storageFailure(NewInternalError(err.Error()))
	}
	return StorageResponse{OK: true}
}

func (h storageHandlers) clear(ctx context.Context, _ StorageRequest) StorageResponse {
	ns, e := namespace(ctx)
	if e != nil {
		return StorageResponse{Error: e}
	}
	if err := h.store.Clear(ctx, ns); err != nil {
		return storageFailure(NewInternalError(err.Error()))
	}
	return StorageResponse{OK: true}
}

func (h storageHandlers) keys(ctx context.Context, req StorageRequest) StorageResponse {
	ns, e := namespace(ctx)
	if e != nil {
		return StorageResponse{Error: e}
	}
	all, err := h.store.Keys(ctx, ns)
	if err != nil {
		return storageFailure(NewInternalError(err.Error()))
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, req.Prefix) {
			keys = append(keys, k)
		}
	}
	return StorageResponse{Keys: keys, OK: true}
}
