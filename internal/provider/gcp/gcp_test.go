package gcp

import (
	"encoding/json"
	"testing"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
)

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("emitted config does not parse: %v", err)
	}
	return m
}

func dig(t *testing.T, m map[string]any, keys ...string) map[string]any {
	t.Helper()
	for _, k := range keys {
		next, ok := m[k].(map[string]any)
		if !ok {
			t.Fatalf("key %q missing or not an object", k)
		}
		m = next
	}
	return m
}

func warningsFor(ws []provider.Warning, f capability.Feature) []provider.Warning {
	var out []provider.Warning
	for _, w := range ws {
		if w.Feature == f {
			out = append(out, w)
		}
	}
	return out
}

func TestExportBackendExtension(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "catalog",
		Protocol: ir.ProtocolHTTPS,
		Upstream: ir.Upstream{Host: "catalog.internal", Port: 8443},
		Routes: []ir.Route{{
			PathPrefix: "/items",
			Methods:    []string{"GET"},
			Timeout:    &ir.Timeout{Read: 15},
		}},
	}}}

	data, warnings, err := New().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}

	m := decode(t, data)
	if m["swagger"] != "2.0" {
		t.Errorf("swagger = %v", m["swagger"])
	}
	backend := dig(t, m, "paths", "/items/**", "get", "x-google-backend")
	if backend["address"] != "https://catalog.internal:8443" {
		t.Errorf("address = %v", backend["address"])
	}
	if backend["deadline"] != 15.0 {
		t.Errorf("deadline = %v", backend["deadline"])
	}
	if backend["path_translation"] != "APPEND_PATH_TO_ADDRESS" {
		t.Errorf("path_translation = %v", backend["path_translation"])
	}
}

func TestExportUnsupportedPoliciesWarn(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "api",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{
			Targets: []ir.Target{
				{Host: "a.internal", Port: 8080, Weight: 1},
				{Host: "b.internal", Port: 8080, Weight: 1},
			},
		},
		Routes: []ir.Route{{
			PathPrefix: "/",
			RateLimit:  &ir.RateLimit{Enabled: true, RequestsPerSecond: 10, KeyType: ir.RateLimitKeyRemoteAddr},
			CORS:       &ir.CORS{Enabled: true, AllowedOrigins: []string{"*"}},
			Headers:    &ir.Headers{RequestAdd: map[string]string{"X-A": "1"}},
		}},
	}}}

	data, warnings, err := New().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	for _, f := range []capability.Feature{
		capability.MultiTarget, capability.RateLimit, capability.CORS, capability.Headers,
	} {
		ws := warningsFor(warnings, f)
		if len(ws) != 1 || ws[0].Level != capability.Unsupported {
			t.Errorf("expected one unsupported warning for %s, got %v", f, ws)
		}
	}

	backend := dig(t, decode(t, data), "paths", "/**", "get", "x-google-backend")
	if backend["address"] != "http://a.internal:8080" {
		t.Errorf("first target should be the backend, got %v", backend["address"])
	}
}

func TestExportJWTSecurityDefinition(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "auth-svc",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "auth.internal", Port: 8080},
		Routes: []ir.Route{{
			PathPrefix: "/private",
			Methods:    []string{"GET"},
			Authentication: &ir.Authentication{
				Type: ir.AuthJWT,
				JWT: &ir.JWTAuth{
					Issuer:   "https://issuer.example.com",
					JWKSURI:  "https://issuer.example.com/jwks.json",
					Audience: []string{"shop-api", "admin-api"},
				},
			},
		}},
	}}}

	data, warnings, err := New().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("jwks-backed jwt maps cleanly, expected no warnings, got %v", warnings)
	}

	def := dig(t, decode(t, data), "securityDefinitions", "auth_svc_r0_jwt")
	if def["type"] != "oauth2" || def["x-google-issuer"] != "https://issuer.example.com" {
		t.Errorf("jwt definition wrong: %v", def)
	}
	if def["x-google-jwks_uri"] != "https://issuer.example.com/jwks.json" {
		t.Errorf("jwks uri wrong: %v", def["x-google-jwks_uri"])
	}
	if def["x-google-audiences"] != "shop-api,admin-api" {
		t.Errorf("audiences wrong: %v", def["x-google-audiences"])
	}
}

func TestRoundTrip(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "shop",
		Protocol: ir.ProtocolHTTPS,
		Upstream: ir.Upstream{Host: "shop.internal", Port: 8443},
		Routes: []ir.Route{{
			PathPrefix: "/orders",
			Methods:    []string{"GET", "POST"},
			Timeout:    &ir.Timeout{Read: 20},
			Authentication: &ir.Authentication{
				Type:   ir.AuthAPIKey,
				APIKey: &ir.APIKeyAuth{Header: "x-api-key"},
			},
		}},
	}}}

	p := New()
	data, _, err := p.Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	back, warnings, err := p.Import(data)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("round trip should be clean, got warnings %v", warnings)
	}

	if len(back.Services) != 1 {
		t.Fatalf("expected one service, got %d", len(back.Services))
	}
	svc := back.Services[0]
	if svc.Name != "shop" {
		t.Errorf("service name from operationId = %q, want shop", svc.Name)
	}
	if svc.Protocol != ir.ProtocolHTTPS || svc.Upstream.Host != "shop.internal" || svc.Upstream.Port != 8443 {
		t.Errorf("upstream not recovered: %s %+v", svc.Protocol, svc.Upstream)
	}

	r := svc.Routes[0]
	if r.PathPrefix != "/orders" {
		t.Errorf("path prefix = %q", r.PathPrefix)
	}
	if len(r.Methods) != 2 || r.Methods[0] != "GET" || r.Methods[1] != "POST" {
		t.Errorf("methods not recovered: %v", r.Methods)
	}
	if r.Timeout == nil || r.Timeout.Read != 20 {
		t.Errorf("deadline not recovered: %+v", r.Timeout)
	}
	if r.Authentication == nil || r.Authentication.APIKey == nil || r.Authentication.APIKey.Header != "x-api-key" {
		t.Errorf("api key auth not recovered: %+v", r.Authentication)
	}
}

func TestRoundTripAllMethodsFoldToNil(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "api",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "api.internal", Port: 8080},
		Routes:   []ir.Route{{PathPrefix: "/"}},
	}}}

	p := New()
	data, _, err := p.Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	back, _, err := p.Import(data)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if got := back.Services[0].Routes[0].Methods; got != nil {
		t.Errorf("full verb coverage should import as all-methods, got %v", got)
	}
}

func TestImportMalformedJSON(t *testing.T) {
	if _, _, err := New().Import([]byte("{not json")); err == nil {
		t.Fatal("expected parse error")
	}
}
