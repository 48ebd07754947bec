// Package parser decodes plugin manifest documents.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"gopkg.in/yaml.v3"
)

// ManifestFiles are the file names fetchers look for, in order.
var ManifestFiles = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// YamlManifestParser implements ManifestParser for YAML. JSON documents
// parse as well since JSON is a subset of YAML.
type YamlManifestParser struct {
	strict bool
}

// ParserOption configures a YamlManifestParser.
type ParserOption func(*YamlManifestParser)

// WithStrict rejects unknown fields. Default is lenient.
func WithStrict(strict bool) ParserOption {
	return func(p *YamlManifestParser) {
		p.strict = strict
	}
}

// NewYamlManifestParser creates a new YamlManifestParser.
func NewYamlManifestParser(opts ...ParserOption) ports.ManifestParser {
	p := &YamlManifestParser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse decodes a single manifest document.
func (p *YamlManifestParser) Parse(data []byte) (*entities.Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty manifest")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(p.strict)

	var manifest entities.Manifest
	if err := dec.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("parse manifest: more than one document")
	}
	return &manifest, nil
}
