package azure

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
	"github.com/wudi/crossgw/internal/shim"
)

func testPlugin() *Plugin {
	resolver := shim.NewTestResolver(
		strings.NewReader(strings.Repeat("\x42", 64)),
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	)
	return New(resolver)
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

// policyFor returns the first policy XML attached to an operation whose name
// contains the given fragment.
func policyFor(t *testing.T, data []byte, nameFragment string) string {
	t.Helper()
	var out string
	gjson.GetBytes(data, "resources").ForEach(func(_, r gjson.Result) bool {
		if r.Get("type").String() != typePolicy {
			return true
		}
		if strings.Contains(r.Get("name").String(), nameFragment) {
			out = r.Get("properties.value").String()
			return false
		}
		return true
	})
	if out == "" {
		t.Fatalf("no policy resource matching %q", nameFragment)
	}
	return out
}

func TestExportAPIAndOperations(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "catalog",
		Protocol: ir.ProtocolHTTPS,
		Upstream: ir.Upstream{Host: "catalog.internal", Port: 8443},
		Routes: []ir.Route{{
			PathPrefix: "/items",
			Methods:    []string{"GET", "POST"},
		}},
	}}}

	data, warnings, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}

	api := gjson.GetBytes(data, "resources.0")
	if api.Get("type").String() != typeAPI {
		t.Fatalf("first resource is %q, want the api", api.Get("type").String())
	}
	if got := api.Get("properties.serviceUrl").String(); got != "https://catalog.internal:8443" {
		t.Errorf("serviceUrl = %q", got)
	}

	op := gjson.GetBytes(data, "resources.1")
	if op.Get("type").String() != typeOperation {
		t.Fatalf("second resource is %q, want an operation", op.Get("type").String())
	}
	if op.Get("properties.method").String() != "GET" {
		t.Errorf("first operation method = %q", op.Get("properties.method").String())
	}
	if op.Get("properties.urlTemplate").String() != "/items/*" {
		t.Errorf("urlTemplate = %q", op.Get("properties.urlTemplate").String())
	}

	// Two methods: api + (op+policy)*2 = 5 resources.
	if n := gjson.GetBytes(data, "resources.#").Int(); n != 5 {
		t.Errorf("expected 5 resources, got %d", n)
	}
}

func TestExportRouteWithoutMethodsCoversAllVerbs(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "api",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "api.internal", Port: 8080},
		Routes:   []ir.Route{{PathPrefix: "/"}},
	}}}

	data, _, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	var methods []string
	gjson.GetBytes(data, "resources").ForEach(func(_, r gjson.Result) bool {
		if r.Get("type").String() == typeOperation {
			methods = append(methods, r.Get("properties.method").String())
		}
		return true
	})
	if len(methods) != len(allVerbs) {
		t.Fatalf("expected %d operations, got %d", len(allVerbs), len(methods))
	}
	for i, v := range allVerbs {
		if methods[i] != v {
			t.Errorf("operation %d method = %q, want %q", i, methods[i], v)
		}
	}
}

func TestExportTimeoutClamped(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "slow",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "slow.internal", Port: 8080},
		Routes: []ir.Route{{
			PathPrefix: "/slow",
			Methods:    []string{"GET"},
			Timeout:    &ir.Timeout{Read: 600},
		}},
	}}}

	data, warnings, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	policy := policyFor(t, data, "slow-r0-get")
	if !strings.Contains(policy, `<forward-request timeout="240" />`) {
		t.Errorf("timeout not clamped to 240:\n%s", policy)
	}
	ws := warningsFor(warnings, capability.Timeout)
	if len(ws) != 1 || ws[0].Level != capability.Partial {
		t.Errorf("expected one partial timeout warning, got %v", warnings)
	}
}

func TestExportRateLimitPerMinuteWindow(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "api",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "api.internal", Port: 8080},
		Routes: []ir.Route{{
			PathPrefix: "/",
			Methods:    []string{"GET"},
			RateLimit: &ir.RateLimit{
				Enabled:           true,
				RequestsPerSecond: 2.5,
				Burst:             10,
				KeyType:           ir.RateLimitKeyRemoteAddr,
			},
		}},
	}}}

	data, warnings, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	policy := policyFor(t, data, "api-r0-get")
	if !strings.Contains(policy, `calls="150" renewal-period="60"`) {
		t.Errorf("2.5 rps should become 150 calls/60s:\n%s", policy)
	}
	if n := len(warningsFor(warnings, capability.RateLimit)); n != 0 {
		t.Errorf("per-minute window is exact, expected no rate_limit warnings, got %d", n)
	}
	ws := warningsFor(warnings, capability.RateLimitBurst)
	if len(ws) != 1 || ws[0].Level != capability.Unsupported {
		t.Errorf("expected one unsupported burst warning, got %v", warnings)
	}
}

func TestExportWeightedRouteShim(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "split",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{
			Targets: []ir.Target{
				{Host: "v1.internal", Port: 8080, Weight: 3},
				{Host: "v2.internal", Port: 8080, Weight: 1},
			},
			LoadBalancer: &ir.LoadBalancer{Algorithm: ir.AlgorithmWeighted},
		},
		Routes: []ir.Route{{PathPrefix: "/", Methods: []string{"GET"}}},
	}}}

	data, warnings, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	policy := policyFor(t, data, "split-r0-get")
	if !strings.Contains(policy, "crossgw-bucket") {
		t.Errorf("weighted shim missing:\n%s", policy)
	}
	if !strings.Contains(policy, "75") || !strings.Contains(policy, "http://v1.internal:8080") {
		t.Errorf("3:1 split should claim buckets 1-75 for v1:\n%s", policy)
	}
	if !strings.Contains(policy, `<otherwise>`) || !strings.Contains(policy, "http://v2.internal:8080") {
		t.Errorf("last target should be the otherwise branch:\n%s", policy)
	}

	ws := warningsFor(warnings, capability.MultiTarget)
	if len(ws) != 1 || ws[0].Level != capability.Partial {
		t.Errorf("expected one partial multi_target warning, got %v", warnings)
	}
}

func TestExportRetryPolicy(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "api",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "api.internal", Port: 8080},
		Routes: []ir.Route{{
			PathPrefix: "/",
			Methods:    []string{"GET"},
			Retry: &ir.Retry{
				Enabled:      true,
				Attempts:     3,
				RetryOn:      []string{ir.RetryOn5xx},
				BaseInterval: 1,
				MaxInterval:  5,
			},
		}},
	}}}

	data, warnings, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("retry maps natively, expected no warnings, got %v", warnings)
	}

	policy := policyFor(t, data, "api-r0-get")
	if !strings.Contains(policy, `condition="@(context.Response.StatusCode &gt;= 500)"`) {
		t.Errorf("retry condition wrong:\n%s", policy)
	}
	if !strings.Contains(policy, `count="3" interval="1" max-interval="5" delta="1"`) {
		t.Errorf("retry attributes wrong:\n%s", policy)
	}
}

func TestExportDeterministic(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "api",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "api.internal", Port: 8080},
		Routes: []ir.Route{{
			PathPrefix: "/",
			Methods:    []string{"GET"},
			Headers: &ir.Headers{
				RequestAdd: map[string]string{"X-B": "2", "X-A": "1", "X-C": "3"},
			},
		}},
	}}}

	first, _, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	second, _, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("two exports of the same document differ")
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
			Authentication: &ir.Authentication{
				Type:        ir.AuthAPIKey,
				APIKey:      &ir.APIKeyAuth{Header: "X-Api-Key", Keys: []string{"k1", "k2"}},
				FailStatus:  403,
				FailMessage: "key required",
			},
			RateLimit: &ir.RateLimit{Enabled: true, RequestsPerSecond: 2, KeyType: ir.RateLimitKeyRemoteAddr},
			CORS: &ir.CORS{
				Enabled:        true,
				AllowedOrigins: []string{"https://shop.example.com"},
				AllowedMethods: []string{"GET", "POST"},
				AllowedHeaders: []string{"Content-Type"},
				MaxAge:         300,
			},
			Timeout: &ir.Timeout{Read: 30},
			Retry: &ir.Retry{
				Enabled: true, Attempts: 2,
				RetryOn:      []string{ir.RetryOn502, ir.RetryOn503},
				BaseInterval: 1, MaxInterval: 4,
			},
			Headers: &ir.Headers{
				RequestAdd:     map[string]string{"X-Tier": "gold"},
				ResponseRemove: []string{"X-Powered-By"},
			},
			Cache: &ir.Cache{Enabled: true, TTL: 120, CacheKey: ir.CacheKeyPathQuery},
		}},
	}}}

	p := testPlugin()
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
	if svc.Name != "shop" || svc.Protocol != ir.ProtocolHTTPS {
		t.Errorf("service identity wrong: %s/%s", svc.Name, svc.Protocol)
	}
	if svc.Upstream.Host != "shop.internal" || svc.Upstream.Port != 8443 {
		t.Errorf("upstream not recovered: %+v", svc.Upstream)
	}

	if len(svc.Routes) != 1 {
		t.Fatalf("expected one route, got %d", len(svc.Routes))
	}
	r := svc.Routes[0]
	if r.PathPrefix != "/orders" {
		t.Errorf("path prefix = %q", r.PathPrefix)
	}
	if len(r.Methods) != 2 || r.Methods[0] != "GET" || r.Methods[1] != "POST" {
		t.Errorf("methods not recovered: %v", r.Methods)
	}
	a := r.Authentication
	if a == nil || a.Type != ir.AuthAPIKey || a.APIKey.Header != "X-Api-Key" {
		t.Fatalf("api key auth not recovered: %+v", a)
	}
	if len(a.APIKey.Keys) != 2 || a.APIKey.Keys[0] != "k1" {
		t.Errorf("keys not recovered: %v", a.APIKey.Keys)
	}
	if a.FailStatus != 403 || a.FailMessage != "key required" {
		t.Errorf("failure handling not recovered: %d %q", a.FailStatus, a.FailMessage)
	}
	if r.RateLimit == nil || r.RateLimit.RequestsPerSecond != 2 || r.RateLimit.KeyType != ir.RateLimitKeyRemoteAddr {
		t.Errorf("rate limit not recovered: %+v", r.RateLimit)
	}
	if r.CORS == nil || r.CORS.AllowedOrigins[0] != "https://shop.example.com" || r.CORS.MaxAge != 300 {
		t.Errorf("cors not recovered: %+v", r.CORS)
	}
	if r.Timeout == nil || r.Timeout.Read != 30 {
		t.Errorf("timeout not recovered: %+v", r.Timeout)
	}
	if r.Retry == nil || r.Retry.Attempts != 2 || len(r.Retry.RetryOn) != 2 || r.Retry.MaxInterval != 4 {
		t.Errorf("retry not recovered: %+v", r.Retry)
	}
	if r.Headers == nil || r.Headers.RequestAdd["X-Tier"] != "gold" || len(r.Headers.ResponseRemove) != 1 {
		t.Errorf("headers not recovered: %+v", r.Headers)
	}
	if r.Cache == nil || r.Cache.TTL != 120 || r.Cache.CacheKey != ir.CacheKeyPathQuery {
		t.Errorf("cache not recovered: %+v", r.Cache)
	}
}

func TestRoundTripJWT(t *testing.T) {
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
					Issuer:         "https://issuer.example.com",
					Audience:       []string{"shop-api"},
					Secret:         "topsecret",
					RequiredClaims: map[string]string{"role": "admin"},
				},
			},
		}},
	}}}

	p := testPlugin()
	data, warnings, err := p.Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("static secret maps cleanly, expected no warnings, got %v", warnings)
	}

	back, _, err := p.Import(data)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	jwt := back.Services[0].Routes[0].Authentication.JWT
	if jwt == nil {
		t.Fatal("jwt auth not recovered")
	}
	if jwt.Issuer != "https://issuer.example.com" || jwt.Secret != "topsecret" {
		t.Errorf("issuer/secret not recovered: %+v", jwt)
	}
	if len(jwt.Audience) != 1 || jwt.Audience[0] != "shop-api" {
		t.Errorf("audience not recovered: %v", jwt.Audience)
	}
	if jwt.RequiredClaims["role"] != "admin" {
		t.Errorf("required claims not recovered: %v", jwt.RequiredClaims)
	}
}

func TestImportUnknownPolicyWarns(t *testing.T) {
	template := `{
		"resources": [
			{
				"type": "Microsoft.ApiManagement/service/apis",
				"name": "[concat(parameters('apimServiceName'), '/legacy')]",
				"properties": {"serviceUrl": "http://legacy.internal:8080"}
			},
			{
				"type": "Microsoft.ApiManagement/service/apis/operations",
				"name": "[concat(parameters('apimServiceName'), '/legacy/legacy-r0-get')]",
				"properties": {"method": "GET", "urlTemplate": "/legacy/*"}
			},
			{
				"type": "Microsoft.ApiManagement/service/apis/operations/policies",
				"name": "[concat(parameters('apimServiceName'), '/legacy/legacy-r0-get/policy')]",
				"properties": {"format": "xml", "value": "<policies><inbound><base /><quota calls=\"100\" renewal-period=\"3600\" /></inbound><backend><base /></backend><outbound><base /></outbound></policies>"}
			}
		]
	}`

	back, warnings, err := testPlugin().Import([]byte(template))
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if len(back.Services) != 1 || back.Services[0].Routes[0].PathPrefix != "/legacy" {
		t.Fatalf("service not recovered: %+v", back.Services)
	}

	ws := warningsFor(warnings, capability.Feature("azure.quota"))
	if len(ws) != 1 || ws[0].Level != capability.Unsupported {
		t.Errorf("expected one unsupported azure.quota warning, got %v", warnings)
	}
}

func TestImportMalformedJSON(t *testing.T) {
	if _, _, err := testPlugin().Import([]byte("{not json")); err == nil {
		t.Fatal("expected parse error")
	}
}
