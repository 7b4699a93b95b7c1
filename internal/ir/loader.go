package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader reads and parses IR documents.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new document loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses an IR document file. The file may be YAML or JSON
// (JSON is a subset of YAML for our purposes).
func (l *Loader) Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return l.Parse(data)
}

// Parse parses an IR document from YAML or JSON bytes. Structural errors
// (wrong types, missing required fields, unknown enum strings) are caught by
// the embedded JSON schema before unmarshaling; semantic checks are the
// Validator's job and are not run here.
func (l *Loader) Parse(data []byte) (*Document, error) {
	expanded := l.expandEnvVars(string(data))

	if err := validateSchema([]byte(expanded)); err != nil {
		return nil, err
	}

	doc := &Document{}
	if err := yaml.Unmarshal([]byte(expanded), doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	applyDefaults(doc)
	return doc, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is so the schema reports them in context.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// applyDefaults fills in values the schema leaves optional.
func applyDefaults(doc *Document) {
	for i := range doc.Services {
		svc := &doc.Services[i]
		if svc.Protocol == "" {
			svc.Protocol = ProtocolHTTP
		}
		if svc.Upstream.Port == 0 && svc.Upstream.Host != "" {
			if svc.Protocol.IsSecure() {
				svc.Upstream.Port = 443
			} else {
				svc.Upstream.Port = 80
			}
		}
		for j := range svc.Upstream.Targets {
			t := &svc.Upstream.Targets[j]
			if t.Weight == 0 {
				t.Weight = 1
			}
		}
		for j := range svc.Routes {
			r := &svc.Routes[j]
			r.Methods = NormalizeMethods(r.Methods)
			if r.Authentication != nil && r.Authentication.FailStatus == 0 {
				r.Authentication.FailStatus = 401
			}
			if r.Cache != nil && r.Cache.Enabled && r.Cache.CacheKey == "" {
				r.Cache.CacheKey = CacheKeyPath
			}
		}
	}
}

// MarshalYAML serializes a document back to canonical YAML, used by the
// driver for the import direction.
func MarshalYAML(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf, yaml.Indent(2))
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toJSON converts YAML bytes to JSON bytes for schema validation.
func toJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return json.Marshal(v)
}
