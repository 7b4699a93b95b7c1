package ir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseAppliesDefaults(t *testing.T) {
	doc, err := NewLoader().Parse([]byte(`
services:
  - name: shop
    upstream:
      host: shop.internal
    routes:
      - path_prefix: /orders
        methods: [get, POST, get]
        authentication:
          type: basic
          basic:
            users:
              alice: secret
      - path_prefix: /items
        cache:
          enabled: true
          ttl: 60
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	svc := doc.Services[0]
	if svc.Protocol != ProtocolHTTP {
		t.Errorf("protocol default = %s, want http", svc.Protocol)
	}
	if svc.Upstream.Port != 80 {
		t.Errorf("port default = %d, want 80", svc.Upstream.Port)
	}

	r := svc.Routes[0]
	if len(r.Methods) != 2 || r.Methods[0] != "GET" || r.Methods[1] != "POST" {
		t.Errorf("methods not normalized: %v", r.Methods)
	}
	if r.Authentication.FailStatus != 401 {
		t.Errorf("fail_status default = %d, want 401", r.Authentication.FailStatus)
	}
	if got := svc.Routes[1].Cache.CacheKey; got != CacheKeyPath {
		t.Errorf("cache_key default = %q, want path", got)
	}
}

func TestParseSecureDefaultPort(t *testing.T) {
	doc, err := NewLoader().Parse([]byte(`
services:
  - name: shop
    protocol: https
    upstream:
      host: shop.internal
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := doc.Services[0].Upstream.Port; got != 443 {
		t.Errorf("https port default = %d, want 443", got)
	}
}

func TestParseTargetWeightDefault(t *testing.T) {
	doc, err := NewLoader().Parse([]byte(`
services:
  - name: shop
    upstream:
      targets:
        - host: a.internal
          port: 8080
        - host: b.internal
          port: 8080
          weight: 3
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	targets := doc.Services[0].Upstream.Targets
	if targets[0].Weight != 1 {
		t.Errorf("omitted weight = %d, want 1", targets[0].Weight)
	}
	if targets[1].Weight != 3 {
		t.Errorf("explicit weight = %d, want 3", targets[1].Weight)
	}
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("CROSSGW_TEST_HOST", "env.internal")
	doc, err := NewLoader().Parse([]byte(`
services:
  - name: shop
    upstream:
      host: ${CROSSGW_TEST_HOST}
      port: 8080
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := doc.Services[0].Upstream.Host; got != "env.internal" {
		t.Errorf("host = %q, want env.internal", got)
	}
}

func TestParseUnsetEnvVarLeftIntact(t *testing.T) {
	doc, err := NewLoader().Parse([]byte(`
services:
  - name: shop
    upstream:
      host: ${CROSSGW_TEST_UNSET_VAR}
      port: 8080
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := doc.Services[0].Upstream.Host; got != "${CROSSGW_TEST_UNSET_VAR}" {
		t.Errorf("host = %q, unset variables must pass through", got)
	}
}

func TestParseRejectsStructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing services", `{}`},
		{"service without name", `
services:
  - upstream:
      host: a.internal
`},
		{"unknown protocol enum", `
services:
  - name: shop
    protocol: gopher
    upstream:
      host: a.internal
`},
		{"unknown field", `
services:
  - name: shop
    upstream:
      host: a.internal
    replicas: 3
`},
		{"wrong type", `
services:
  - name: shop
    upstream:
      host: a.internal
      port: "eighty"
`},
		{"route without path_prefix", `
services:
  - name: shop
    upstream:
      host: a.internal
    routes:
      - methods: [GET]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader().Parse([]byte(tt.doc)); err == nil {
				t.Error("expected a structural error")
			}
		})
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	doc, err := NewLoader().Parse([]byte(`{"services":[{"name":"shop","upstream":{"host":"a.internal","port":8080}}]}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if doc.Services[0].Name != "shop" {
		t.Errorf("name = %q", doc.Services[0].Name)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.yaml")
	if err := os.WriteFile(path, []byte(`
services:
  - name: shop
    upstream:
      host: a.internal
      port: 8080
`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	doc, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(doc.Services) != 1 {
		t.Errorf("services = %d", len(doc.Services))
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestMarshalYAMLRoundTrip(t *testing.T) {
	in := []byte(`
services:
  - name: shop
    protocol: https
    upstream:
      targets:
        - host: a.internal
          port: 8443
          weight: 3
        - host: b.internal
          port: 8443
          weight: 1
      load_balancer:
        algorithm: weighted
    routes:
      - path_prefix: /orders
        methods: [GET]
        rate_limit:
          enabled: true
          requests_per_second: 10
          burst: 5
`)
	loader := NewLoader()
	doc, err := loader.Parse(in)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	out, err := MarshalYAML(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(out), "path_prefix: /orders") {
		t.Errorf("serialized form missing route:\n%s", out)
	}

	back, err := loader.Parse(out)
	if err != nil {
		t.Fatalf("serialized document does not reload: %v", err)
	}
	if back.Services[0].Routes[0].RateLimit.RequestsPerSecond != 10 {
		t.Errorf("rate limit lost in round trip: %+v", back.Services[0].Routes[0].RateLimit)
	}
}
