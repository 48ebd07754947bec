package wazero

import (
	"testing"

	"github.com/reglet-dev/reglet-runtime/hostfuncs"
	"github.com/stretchr/testify/assert"
)

func TestAdapterOptions(t *testing.T) {
	cfg := defaultAdapterConfig()
	assert.Equal(t, HostModuleName, cfg.ModuleName)
	assert.EqualValues(t, hostfuncs.DefaultMaxRequestSize, cfg.MaxRequestSize)
	assert.NotNil(t, cfg.Logger)

	WithModuleName("env")(&cfg)
	WithMaxRequestSize(2048)(&cfg)
	WithCustomHandler(CustomHandler{Name: "abort"})(&cfg)
	WithAdapterLogger(nil)(&cfg)

	assert.Equal(t, "env", cfg.ModuleName)
	assert.EqualValues(t, 2048, cfg.MaxRequestSize)
	assert.Len(t, cfg.CustomHandlers, 1)
	assert.NotNil(t, cfg.Logger)
}

func TestPackUnpackPtrLen(t *testing.T) {
	tests := []struct {
		ptr, length uint32
	}{
		{0, 0},
		{1, 1},
		{1024, 16},
		{0xFFFFFFFF, 0xFFFFFFFF},
		{0x12345678, 0x9ABCDEF0},
	}
	for _, tt := range tests {
		ptr, length := unpackPtrLen(packPtrLen(tt.ptr, tt.length))
		assert.Equal(t, tt.ptr, ptr)
		assert.Equal(t, tt.length, length)
	}
}

func TestMemoryPages(t *testing.T) {
	assert.EqualValues(t, 1, memoryPages(0))
	assert.EqualValues(t, 1, memoryPages(100))
	assert.EqualValues(t, 256, memoryPages(16<<20))
	assert.EqualValues(t, maxPages, memoryPages(1<<40))
}
