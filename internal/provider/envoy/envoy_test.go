package envoy

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-yaml"

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

func decode(t *testing.T, data []byte) envoyBootstrap {
	t.Helper()
	var b envoyBootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		t.Fatalf("emitted bootstrap does not parse: %v", err)
	}
	return b
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

func clusterByName(t *testing.T, b envoyBootstrap, name string) *envoyCluster {
	t.Helper()
	for i := range b.StaticResources.Clusters {
		if b.StaticResources.Clusters[i].Name == name {
			return &b.StaticResources.Clusters[i]
		}
	}
	t.Fatalf("cluster %q not emitted", name)
	return nil
}

func vhostRoutes(t *testing.T, b envoyBootstrap) []envoyRoute {
	t.Helper()
	hcm := findHCM(&b)
	if hcm == nil {
		t.Fatal("no http_connection_manager in bootstrap")
	}
	if len(hcm.RouteConfig.VirtualHosts) != 1 {
		t.Fatalf("expected one virtual host, got %d", len(hcm.RouteConfig.VirtualHosts))
	}
	return hcm.RouteConfig.VirtualHosts[0].Routes
}

func TestExportClusterEndpoints(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "catalog",
		Protocol: ir.ProtocolHTTPS,
		Upstream: ir.Upstream{
			Targets: []ir.Target{
				{Host: "c1.internal", Port: 8443, Weight: 3},
				{Host: "c2.internal", Port: 8443, Weight: 1},
			},
			LoadBalancer: &ir.LoadBalancer{Algorithm: ir.AlgorithmLeastConn},
		},
		Routes: []ir.Route{{PathPrefix: "/catalog"}},
	}}}

	data, warnings, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}

	b := decode(t, data)
	c := clusterByName(t, b, "catalog")
	if c.LBPolicy != "LEAST_REQUEST" {
		t.Errorf("lb_policy = %q, want LEAST_REQUEST", c.LBPolicy)
	}
	if c.TransportSocket == nil {
		t.Error("https service must carry a tls transport socket")
	}
	eps := c.LoadAssignment.Endpoints[0].LBEndpoints
	if len(eps) != 2 || eps[0].LoadBalancingWeight != 3 {
		t.Errorf("endpoints wrong: %+v", eps)
	}
	if eps[1].Endpoint.Address.SocketAddress.Address != "c2.internal" {
		t.Errorf("second endpoint host = %q", eps[1].Endpoint.Address.SocketAddress.Address)
	}
}

func TestExportJWKSClustersAreUnique(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "api",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "api.internal", Port: 8080},
		Routes: []ir.Route{
			{PathPrefix: "/a", Authentication: &ir.Authentication{
				Type: ir.AuthJWT,
				JWT:  &ir.JWTAuth{Issuer: "iss-a", JWKSURI: "https://a.example.com/jwks"},
			}},
			{PathPrefix: "/b", Authentication: &ir.Authentication{
				Type: ir.AuthJWT,
				JWT:  &ir.JWTAuth{Issuer: "iss-b", JWKSURI: "https://b.example.com/jwks"},
			}},
		},
	}}}

	data, _, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	seen := map[string]int{}
	for _, c := range decode(t, data).StaticResources.Clusters {
		seen[c.Name]++
	}
	for name, n := range seen {
		if n > 1 {
			t.Errorf("cluster %s declared %d times", name, n)
		}
	}
	if seen["api-jwks"] != 1 || seen["api-jwks-2"] != 1 {
		t.Errorf("distinct JWKS endpoints should get distinct clusters, got %v", seen)
	}
}

func TestExportSharedJWKSEndpointReusesCluster(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "api",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "api.internal", Port: 8080},
		Routes: []ir.Route{
			{PathPrefix: "/a", Authentication: &ir.Authentication{
				Type: ir.AuthJWT,
				JWT:  &ir.JWTAuth{Issuer: "iss", JWKSURI: "https://idp.example.com/jwks"},
			}},
			{PathPrefix: "/b", Authentication: &ir.Authentication{
				Type: ir.AuthJWT,
				JWT:  &ir.JWTAuth{Issuer: "iss", JWKSURI: "https://idp.example.com/jwks"},
			}},
		},
	}}}

	data, _, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	jwks := 0
	for _, c := range decode(t, data).StaticResources.Clusters {
		if strings.Contains(c.Name, "-jwks") {
			jwks++
		}
	}
	if jwks != 1 {
		t.Errorf("shared endpoint should produce one JWKS cluster, got %d", jwks)
	}
}

func TestExportHealthCheckExpectedStatuses(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "shop",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{
			Host: "shop.internal", Port: 8080,
			HealthCheck: &ir.HealthCheck{
				Active: &ir.ActiveHealthCheck{
					Enabled: true, Path: "/healthz", Interval: 10,
					HealthyStatus: []int{200, 204},
				},
			},
		},
		Routes: []ir.Route{{PathPrefix: "/shop"}},
	}}}

	data, _, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	hcs := clusterByName(t, decode(t, data), "shop").HealthChecks
	if len(hcs) != 1 || hcs[0].HTTPHealthCheck == nil {
		t.Fatal("health check not emitted")
	}
	ranges := hcs[0].HTTPHealthCheck.ExpectedStatuses
	if len(ranges) != 2 || ranges[0] != (envoyInt64Range{Start: 200, End: 201}) ||
		ranges[1] != (envoyInt64Range{Start: 204, End: 205}) {
		t.Errorf("expected_statuses = %+v", ranges)
	}

	back, _, err := testPlugin().Import(data)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	status := back.Services[0].Upstream.HealthCheck.Active.HealthyStatus
	if len(status) != 2 || status[0] != 200 || status[1] != 204 {
		t.Errorf("healthy_status not recovered: %v", status)
	}
}

func TestExportBreakerAsOutlierDetection(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "pay",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{
			Host: "pay.internal", Port: 8080,
			HealthCheck: &ir.HealthCheck{
				Passive: &ir.PassiveHealthCheck{Enabled: true, MaxFailures: 7},
			},
			CircuitBreaker: &ir.CircuitBreaker{Enabled: true, MaxFailures: 5, Timeout: 30},
		},
		Routes: []ir.Route{{PathPrefix: "/pay"}},
	}}}

	data, warnings, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	b := decode(t, data)
	od := clusterByName(t, b, "pay").OutlierDetection
	if od == nil {
		t.Fatal("outlier_detection not emitted")
	}
	if od.Consecutive5xx != 5 {
		t.Errorf("consecutive_5xx = %d, want the stricter budget 5", od.Consecutive5xx)
	}
	if od.BaseEjectionTime != "30s" {
		t.Errorf("base_ejection_time = %q, want 30s", od.BaseEjectionTime)
	}

	ws := warningsFor(warnings, capability.CircuitBreaker)
	if len(ws) != 1 || ws[0].Level != capability.Partial {
		t.Errorf("expected exactly one partial circuit_breaker warning, got %v", warnings)
	}
}

func TestExportRateLimitTokenBucket(t *testing.T) {
	tests := []struct {
		name         string
		rl           ir.RateLimit
		wantMax      int
		wantFill     int
		wantInterval string
	}{
		{
			name:         "integral per second",
			rl:           ir.RateLimit{Enabled: true, RequestsPerSecond: 100, KeyType: ir.RateLimitKeyRemoteAddr},
			wantMax:      100,
			wantFill:     100,
			wantInterval: "1s",
		},
		{
			name:         "fractional rate fills per minute",
			rl:           ir.RateLimit{Enabled: true, RequestsPerSecond: 1.5, KeyType: ir.RateLimitKeyRemoteAddr},
			wantMax:      90,
			wantFill:     90,
			wantInterval: "60s",
		},
		{
			name:         "burst widens the bucket",
			rl:           ir.RateLimit{Enabled: true, RequestsPerSecond: 10, Burst: 20, KeyType: ir.RateLimitKeyRemoteAddr},
			wantMax:      30,
			wantFill:     10,
			wantInterval: "1s",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &ir.Document{Services: []ir.Service{{
				Name:     "api",
				Protocol: ir.ProtocolHTTP,
				Upstream: ir.Upstream{Host: "api.internal", Port: 8080},
				Routes:   []ir.Route{{PathPrefix: "/", RateLimit: &tt.rl}},
			}}}

			data, warnings, err := testPlugin().Export(doc)
			if err != nil {
				t.Fatalf("export failed: %v", err)
			}
			if n := len(warningsFor(warnings, capability.RateLimit)); n != 0 {
				t.Errorf("remote_addr keying is native, expected no rate_limit warnings, got %d", n)
			}

			b := decode(t, data)
			cfg := vhostRoutes(t, b)[0].TypedPerFilterConfig[filterLocalRateLimit]
			bucket := provider.CfgMap(cfg, "token_bucket")
			if got := provider.CfgInt(bucket, "max_tokens"); got != tt.wantMax {
				t.Errorf("max_tokens = %d, want %d", got, tt.wantMax)
			}
			if got := provider.CfgInt(bucket, "tokens_per_fill"); got != tt.wantFill {
				t.Errorf("tokens_per_fill = %d, want %d", got, tt.wantFill)
			}
			if got := provider.CfgString(bucket, "fill_interval"); got != tt.wantInterval {
				t.Errorf("fill_interval = %q, want %q", got, tt.wantInterval)
			}
		})
	}
}

func TestExportJWTLocalSecret(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "auth-svc",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "auth.internal", Port: 8080},
		Routes: []ir.Route{{
			PathPrefix: "/private",
			Authentication: &ir.Authentication{
				Type: ir.AuthJWT,
				JWT:  &ir.JWTAuth{Issuer: "https://issuer.example.com", Secret: "topsecret"},
			},
		}},
	}}}

	data, warnings, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("HS256 secret maps cleanly, expected no warnings, got %v", warnings)
	}

	b := decode(t, data)
	hcm := findHCM(&b)
	var jwtFilter map[string]any
	for _, f := range hcm.HTTPFilters {
		if f.Name == filterJWTAuthn {
			jwtFilter = f.TypedConfig
		}
	}
	if jwtFilter == nil {
		t.Fatal("jwt_authn filter not emitted")
	}
	prov := provider.CfgMap(provider.CfgMap(jwtFilter, "providers"), "auth_svc_r0")
	if prov == nil {
		t.Fatal("provider auth_svc_r0 not emitted")
	}
	inline := provider.CfgString(provider.CfgMap(prov, "local_jwks"), "inline_string")
	if !strings.Contains(inline, `"kty":"oct"`) {
		t.Errorf("inline JWKS should carry an oct key, got %q", inline)
	}
}

func TestExportJWKSGetsOwnCluster(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "auth-svc",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "auth.internal", Port: 8080},
		Routes: []ir.Route{{
			PathPrefix: "/private",
			Authentication: &ir.Authentication{
				Type: ir.AuthJWT,
				JWT: &ir.JWTAuth{
					Issuer:  "https://issuer.example.com",
					JWKSURI: "https://issuer.example.com/.well-known/jwks.json",
				},
			},
		}},
	}}}

	data, _, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	b := decode(t, data)
	jwks := clusterByName(t, b, "auth-svc-jwks")
	sa := jwks.LoadAssignment.Endpoints[0].LBEndpoints[0].Endpoint.Address.SocketAddress
	if sa.Address != "issuer.example.com" || sa.PortValue != 443 {
		t.Errorf("jwks endpoint = %s:%d, want issuer.example.com:443", sa.Address, sa.PortValue)
	}
	if jwks.TransportSocket == nil {
		t.Error("https jwks fetch must use tls")
	}
}

func TestExportBodyTransformEmitsLuaOverride(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "api",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "api.internal", Port: 8080},
		Routes: []ir.Route{{
			PathPrefix: "/orders",
			BodyTransformation: &ir.BodyTransformation{
				Request: &ir.RequestBodyTransform{
					AddFields: map[string]string{"request_id": "{{uuid}}"},
				},
			},
		}},
	}}}

	data, warnings, err := testPlugin().Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	b := decode(t, data)
	cfg := vhostRoutes(t, b)[0].TypedPerFilterConfig[filterLua]
	script := provider.CfgString(provider.CfgMap(cfg, "source_code"), "inline_string")
	if !strings.Contains(script, "gen_uuid") {
		t.Errorf("uuid placeholder should expand to gen_uuid, script:\n%s", script)
	}

	ws := warningsFor(warnings, capability.BodyTransform)
	if len(ws) != 1 || ws[0].Level != capability.Partial {
		t.Errorf("expected one partial body_transformation warning, got %v", warnings)
	}
}

func TestExportDeterministic(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "api",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "api.internal", Port: 8080},
		Routes: []ir.Route{{
			PathPrefix: "/",
			Headers: &ir.Headers{
				RequestAdd: map[string]string{"X-B": "2", "X-A": "1", "X-C": "3"},
			},
			CORS: &ir.CORS{Enabled: true, AllowedOrigins: []string{"https://a", "https://b"}},
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
		Upstream: ir.Upstream{
			Targets: []ir.Target{
				{Host: "s1.internal", Port: 8443, Weight: 2},
				{Host: "s2.internal", Port: 8443, Weight: 1},
			},
			LoadBalancer: &ir.LoadBalancer{Algorithm: ir.AlgorithmWeighted},
			HealthCheck: &ir.HealthCheck{
				Active: &ir.ActiveHealthCheck{
					Enabled: true, Path: "/healthz", Interval: 10, Timeout: 2,
					HealthyThreshold: 2, UnhealthyThreshold: 3,
				},
			},
		},
		Routes: []ir.Route{{
			PathPrefix: "/shop",
			Methods:    []string{"GET", "POST"},
			Timeout:    &ir.Timeout{Read: 30},
			Retry: &ir.Retry{
				Enabled: true, Attempts: 3,
				RetryOn:      []string{ir.RetryOn502, ir.RetryOn503},
				BaseInterval: 0.5, MaxInterval: 5,
			},
			RateLimit: &ir.RateLimit{Enabled: true, RequestsPerSecond: 50, Burst: 10, KeyType: ir.RateLimitKeyRemoteAddr},
			CORS: &ir.CORS{
				Enabled:        true,
				AllowedOrigins: []string{"https://shop.example.com"},
				AllowedMethods: []string{"GET", "POST"},
				MaxAge:         600,
			},
			Headers: &ir.Headers{
				RequestAdd:     map[string]string{"X-Tier": "gold"},
				ResponseRemove: []string{"Server"},
			},
			Websocket: &ir.Websocket{Enabled: true, IdleTimeout: 60},
			Authentication: &ir.Authentication{
				Type: ir.AuthJWT,
				JWT:  &ir.JWTAuth{Issuer: "https://issuer.example.com", Secret: "topsecret"},
			},
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
	if len(svc.Upstream.Targets) != 2 || svc.Upstream.Targets[0].Weight != 2 {
		t.Errorf("targets not recovered: %+v", svc.Upstream.Targets)
	}
	if svc.Upstream.LoadBalancer == nil || svc.Upstream.LoadBalancer.Algorithm != ir.AlgorithmWeighted {
		t.Errorf("weighted algorithm not recovered: %+v", svc.Upstream.LoadBalancer)
	}
	hc := svc.Upstream.HealthCheck
	if hc == nil || hc.Active == nil || hc.Active.Path != "/healthz" || hc.Active.Interval != 10 {
		t.Errorf("active health check not recovered: %+v", hc)
	}

	r := svc.Routes[0]
	if r.PathPrefix != "/shop" {
		t.Errorf("path prefix = %q", r.PathPrefix)
	}
	if len(r.Methods) != 2 || r.Methods[0] != "GET" || r.Methods[1] != "POST" {
		t.Errorf("methods not recovered: %v", r.Methods)
	}
	if r.Timeout == nil || r.Timeout.Read != 30 {
		t.Errorf("timeout not recovered: %+v", r.Timeout)
	}
	if r.Retry == nil || r.Retry.Attempts != 3 || len(r.Retry.RetryOn) != 2 {
		t.Errorf("retry not recovered: %+v", r.Retry)
	}
	if r.Retry.BaseInterval != 0.5 || r.Retry.MaxInterval != 5 {
		t.Errorf("retry backoff not recovered: %+v", r.Retry)
	}
	if r.RateLimit == nil || r.RateLimit.RequestsPerSecond != 50 || r.RateLimit.Burst != 10 {
		t.Errorf("rate limit not recovered: %+v", r.RateLimit)
	}
	if r.CORS == nil || r.CORS.AllowedOrigins[0] != "https://shop.example.com" || r.CORS.MaxAge != 600 {
		t.Errorf("cors not recovered: %+v", r.CORS)
	}
	if r.Headers == nil || r.Headers.RequestAdd["X-Tier"] != "gold" || len(r.Headers.ResponseRemove) != 1 {
		t.Errorf("headers not recovered: %+v", r.Headers)
	}
	if r.Websocket == nil || !r.Websocket.Enabled || r.Websocket.IdleTimeout != 60 {
		t.Errorf("websocket not recovered: %+v", r.Websocket)
	}
	if r.Authentication == nil || r.Authentication.JWT == nil {
		t.Fatalf("jwt auth not recovered: %+v", r.Authentication)
	}
	if r.Authentication.JWT.Issuer != "https://issuer.example.com" || r.Authentication.JWT.Secret != "topsecret" {
		t.Errorf("jwt provider not recovered: %+v", r.Authentication.JWT)
	}
}

func TestImportSkipsJWKSClusters(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "auth-svc",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "auth.internal", Port: 8080},
		Routes: []ir.Route{{
			PathPrefix: "/private",
			Authentication: &ir.Authentication{
				Type: ir.AuthJWT,
				JWT: &ir.JWTAuth{
					Issuer:  "https://issuer.example.com",
					JWKSURI: "https://issuer.example.com/jwks.json",
				},
			},
		}},
	}}}

	p := testPlugin()
	data, _, err := p.Export(doc)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	back, _, err := p.Import(data)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}

	if len(back.Services) != 1 {
		t.Fatalf("jwks fetch cluster must not become a service, got %d services", len(back.Services))
	}
	jwt := back.Services[0].Routes[0].Authentication.JWT
	if jwt.JWKSURI != "https://issuer.example.com/jwks.json" {
		t.Errorf("jwks uri not recovered: %q", jwt.JWKSURI)
	}
}

func TestImportLuaOverrideDropsWithWarning(t *testing.T) {
	doc := &ir.Document{Services: []ir.Service{{
		Name:     "api",
		Protocol: ir.ProtocolHTTP,
		Upstream: ir.Upstream{Host: "api.internal", Port: 8080},
		Routes: []ir.Route{{
			PathPrefix: "/orders",
			BodyTransformation: &ir.BodyTransformation{
				Request: &ir.RequestBodyTransform{AddFields: map[string]string{"a": "b"}},
			},
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

	if back.Services[0].Routes[0].BodyTransformation != nil {
		t.Error("lua scripts must not be reverse-engineered into body transforms")
	}
	ws := warningsFor(warnings, capability.BodyTransform)
	if len(ws) != 1 || ws[0].Level != capability.Partial {
		t.Errorf("expected one partial body_transformation warning, got %v", warnings)
	}
}

func TestImportMalformedYAML(t *testing.T) {
	if _, _, err := testPlugin().Import([]byte("static_resources: [")); err == nil {
		t.Fatal("expected parse error")
	}
}
