package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYamlManifestParser_Parse(t *testing.T) {
	tests := []struct {
		name    string
		strict  bool
		doc     string
		wantErr string
		check   func(t *testing.T, name, version string, deps int)
	}{
		{
			name: "yaml",
			doc: `
name: weather
version: 1.2.0
author: ada
main: main.wasm
hostCompatibilityRange: ^1.0.0
dependencies:
  - id: geo
    versionRange: ^2.0.0
    required: true
permissions:
  - id: network
    reason: forecasts
`,
			check: func(t *testing.T, name, version string, deps int) {
				assert.Equal(t, "weather", name)
				assert.Equal(t, "1.2.0", version)
				assert.Equal(t, 1, deps)
			},
		},
		{
			name: "json",
			doc:  `{"name":"clock","version":"0.1.0","author":"bo","hostCompatibilityRange":"*"}`,
			check: func(t *testing.T, name, version string, deps int) {
				assert.Equal(t, "clock", name)
				assert.Equal(t, 0, deps)
			},
		},
		{name: "unknown field lenient", doc: "name: x\ncolour: red\n", check: func(t *testing.T, name, _ string, _ int) {
			assert.Equal(t, "x", name)
		}},
		{name: "unknown field strict", strict: true, doc: "name: x\ncolour: red\n", wantErr: "colour"},
		{name: "empty", doc: "  \n", wantErr: "empty manifest"},
		{name: "malformed", doc: "name: [", wantErr: "parse manifest"},
		{name: "two documents", doc: "name: a\n---\nname: b\n", wantErr: "more than one document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewYamlManifestParser(WithStrict(tt.strict)).Parse([]byte(tt.doc))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, m.Name, m.Version, len(m.Dependencies))
		})
	}
}
