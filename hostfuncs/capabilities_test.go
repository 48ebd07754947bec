package hostfuncs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKV struct {
	mu   sync.Mutex
	data map[string]map[string]string
	err  error
}

func newMemKV() *memKV {
	return &memKV{data: map[string]map[string]string{}}
}

func (m *memKV) Get(_ context.Context, ns, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[ns][key]
	return v, ok, m.err
}

func (m *memKV) Set(_ context.Context, ns, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.data[ns] == nil {
		m.data[ns] = map[string]string{}
	}
	m.data[ns][key] = value
	return nil
}

func (m *memKV) Remove(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
	return m.err
}

func (m *memKV) Clear(_ context.Context, ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ns)
	return m.err
}

func (m *memKV) Keys(_ context.Context, ns string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data[ns]))
	for k := range m.data[ns] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, m.err
}

func call[Resp any](t *testing.T, inv interface {
	Invoke(context.Context, string, []byte) ([]byte, error)
}, name string, req any) Resp {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	raw, err := inv.Invoke(context.Background(), name, payload)
	require.NoError(t, err)
	var resp Resp
	require.NoError(t, json.Unmarshal(raw, &resp), string(raw))
	return resp
}

func TestStorageBundle(t *testing.T) {
	kv := newMemKV()
	reg, err := NewRegistry(WithBundle(StorageBundle(kv)))
	require.NoError(t, err)
	alpha, beta := reg.Bind("alpha"), reg.Bind("beta")

	set := call[StorageResponse](t, alpha, FuncStorageSet, StorageRequest{Key: "cache/a", Value: "1"})
	require.True(t, set.OK)
	call[StorageResponse](t, alpha, FuncStorageSet, StorageRequest{Key: "cache/b", Value: "2"})
	call[StorageResponse](t, alpha, FuncStorageSet, StorageRequest{Key: "token", Value: "t"})

	got := call[StorageResponse](t, alpha, FuncStorageGet, StorageRequest{Key: "cache/a"})
	assert.True(t, got.Found)
	assert.Equal(t, "1", got.Value)

	other := call[StorageResponse](t, beta, FuncStorageGet, StorageRequest{Key: "cache/a"})
	assert.True(t, other.OK)
	assert.False(t, other.Found, "namespaces are per plugin")

	keys := call[StorageResponse](t, alpha, FuncStorageKeys, StorageRequest{Prefix: "cache/"})
	assert.Equal(t, []string{"cache/a", "cache/b"}, keys.Keys)

	call[StorageResponse](t, alpha, FuncStorageRemove, StorageRequest{Key: "cache/a"})
	keys = call[StorageResponse](t, alpha, FuncStorageKeys, StorageRequest{})
	assert.Equal(t, []string{"cache/b", "token"}, keys.Keys)

	call[StorageResponse](t, alpha, FuncStorageClear, StorageRequest{})
	keys = call[StorageResponse](t, alpha, FuncStorageKeys, StorageRequest{})
	assert.Empty(t, keys.Keys)
}

func TestStorageBundle_Errors(t *testing.T) {
	kv := newMemKV()
	reg, err := NewRegistry(WithBundle(StorageBundle(kv)))
	require.NoError(t, err)

	t.Run("unbound call", func(t *testing.T) {
		resp := call[StorageResponse](t, reg, FuncStorageGet, StorageRequest{Key: "a"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, "VALIDATION_ERROR", resp.Error.Error)
	})

	t.Run("empty key", func(t *testing.T) {
		resp := call[StorageResponse](t, reg.Bind("p"), FuncStorageSet, StorageRequest{Value: "v"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, "VALIDATION_ERROR", resp.Error.Error)
	})

	t.Run("store failure", func(t *testing.T) {
		kv.err = errors.New("disk full")
		defer func() { kv.err = nil }()
		resp := call[StorageResponse](t, reg.Bind("p"), FuncStorageSet, StorageRequest{Key: "a", Value: "v"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, "INTERNAL_ERROR", resp.Error.Error)
		assert.False(t, resp.OK)
	})
}

type recordingUI struct {
	notes   []string
	confirm bool
	answer  string
}

func (u *recordingUI) Notify(_ context.Context, pluginID, level, message string) error {
	u.notes = append(u.notes, pluginID+"|"+level+"|"+message)
	return nil
}

func (u *recordingUI) Confirm(context.Context, string, string) (bool, error) {
	return u.confirm, nil
}

func (u *recordingUI) Prompt(_ context.Context, _, _, def string) (string, error) {
	if u.answer == "" {
		return def, nil
	}
	return u.answer, nil
}

func TestUIBundle(t *testing.T) {
	ui := &recordingUI{confirm: true}
	reg, err := NewRegistry(WithBundle(UIBundle(ui)))
	require.NoError(t, err)
	inv := reg.Bind("clock")

	resp := call[UIResponse](t, inv, FuncUINotify, UIRequest{Message: "tick"})
	assert.True(t, resp.OK)
	assert.Equal(t, []string{"clock|info|tick"}, ui.notes)

	resp = call[UIResponse](t, inv, FuncUIConfirm, UIRequest{Message: "continue?"})
	assert.True(t, resp.Confirmed)

	resp = call[UIResponse](t, inv, FuncUIPrompt, UIRequest{Message: "city?", Default: "Oslo"})
	assert.Equal(t, "Oslo", resp.Value)

	resp = call[UIResponse](t, inv, FuncUINotify, UIRequest{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Error)
}

func TestLogBundle(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reg, err := NewRegistry(WithBundle(LogBundle(logger)))
	require.NoError(t, err)

	resp := call[LogResponse](t, reg.Bind("weather"), FuncLogWrite, LogRequest{
		Level:   "warn",
		Message: "stale forecast",
		Attrs:   map[string]any{"age": 3},
	})
	assert.True(t, resp.OK)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "stale forecast", line["msg"])
	assert.Equal(t, "weather", line["plugin"])
	assert.EqualValues(t, 3, line["age"])
}

func TestStandardBundles(t *testing.T) {
	reg, err := NewRegistry(WithBundle(StandardBundles(Capabilities{})))
	require.NoError(t, err)
	assert.Equal(t, []string{FuncLogWrite, FuncNetworkFetch}, reg.Names())

	reg, err = NewRegistry(WithBundle(StandardBundles(Capabilities{Store: newMemKV(), UI: &recordingUI{}})))
	require.NoError(t, err)
	assert.Len(t, reg.Names(), 10)
}
