// Package envoy maps the IR to a static Envoy bootstrap and back. The
// bootstrap carries one listener whose http_connection_manager holds every
// route in a single wildcard virtual host, plus one cluster per service;
// cross-cutting policies become per-route filter overrides.
package envoy

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
	"github.com/wudi/crossgw/internal/shim"
	"github.com/wudi/crossgw/internal/units"
)

const providerName = "envoy"

// Proto type URLs for the typed configs the mapper reads and writes.
const (
	typeHCM            = "type.googleapis.com/envoy.extensions.filters.network.http_connection_manager.v3.HttpConnectionManager"
	typeRouter         = "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router"
	typeJWTAuthn       = "type.googleapis.com/envoy.extensions.filters.http.jwt_authn.v3.JwtAuthentication"
	typeCors           = "type.googleapis.com/envoy.extensions.filters.http.cors.v3.Cors"
	typeCorsPolicy     = "type.googleapis.com/envoy.extensions.filters.http.cors.v3.CorsPolicy"
	typeLocalRateLimit = "type.googleapis.com/envoy.extensions.filters.http.local_ratelimit.v3.LocalRateLimit"
	typeLua            = "type.googleapis.com/envoy.extensions.filters.http.lua.v3.Lua"
	typeLuaPerRoute    = "type.googleapis.com/envoy.extensions.filters.http.lua.v3.LuaPerRoute"
	typeUpstreamTLS    = "type.googleapis.com/envoy.extensions.transport_sockets.tls.v3.UpstreamTlsContext"
)

const (
	filterJWTAuthn       = "envoy.filters.http.jwt_authn"
	filterCors           = "envoy.filters.http.cors"
	filterLocalRateLimit = "envoy.filters.http.local_ratelimit"
	filterLua            = "envoy.filters.http.lua"
	filterRouter         = "envoy.filters.http.router"
)

// Plugin implements the Envoy mapping.
type Plugin struct {
	resolver *shim.Resolver
}

// New creates an Envoy plugin. A nil resolver uses production randomness.
func New(resolver *shim.Resolver) *Plugin {
	return &Plugin{resolver: resolver}
}

func init() {
	provider.Register(New(nil))
}

// Name returns the provider identifier.
func (p *Plugin) Name() string { return providerName }

// Export maps an IR document to a static Envoy bootstrap.
func (p *Plugin) Export(doc *ir.Document) ([]byte, []provider.Warning, error) {
	var warnings []provider.Warning

	vhost := envoyVirtualHost{Name: "gateway", Domains: []string{"*"}}
	var clusters []envoyCluster
	jwt := newJWTBuilder()
	needRateLimit := false
	needLua := false

	for si := range doc.Services {
		svc := &doc.Services[si]

		cluster, w := exportCluster(svc)
		warnings = append(warnings, w...)

		for ri := range svc.Routes {
			r := &svc.Routes[ri]
			route, w, err := p.exportRoute(svc, r, ri, cluster, jwt)
			if err != nil {
				return nil, warnings, fmt.Errorf("service %s: %w", svc.Name, err)
			}
			warnings = append(warnings, w...)
			if _, ok := route.TypedPerFilterConfig[filterLocalRateLimit]; ok {
				needRateLimit = true
			}
			if _, ok := route.TypedPerFilterConfig[filterLua]; ok {
				needLua = true
			}
			vhost.Routes = append(vhost.Routes, *route)
		}

		clusters = append(clusters, *cluster)
		clusters = append(clusters, jwt.takeClusters()...)
	}

	filters := buildHTTPFilters(jwt, needRateLimit, needLua)
	bootstrap := envoyBootstrap{StaticResources: envoyStaticResources{
		Listeners: []envoyListener{{
			Name: "listener_0",
			Address: envoyAddress{SocketAddress: envoySocketAddress{
				Address: "0.0.0.0", PortValue: 10000,
			}},
			FilterChains: []envoyFilterChain{{Filters: []envoyNetworkFilter{{
				Name: "envoy.filters.network.http_connection_manager",
				TypedConfig: &envoyHCM{
					Type:       typeHCM,
					StatPrefix: "ingress_http",
					RouteConfig: envoyRouteConfig{
						Name:         "local_route",
						VirtualHosts: []envoyVirtualHost{vhost},
					},
					HTTPFilters: filters,
				},
			}}}},
		}},
		Clusters: clusters,
	}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf, yaml.Indent(2))
	if err := enc.Encode(bootstrap); err != nil {
		return nil, warnings, fmt.Errorf("failed to serialize envoy bootstrap: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, warnings, err
	}
	return buf.Bytes(), warnings, nil
}

func buildHTTPFilters(jwt *jwtBuilder, needRateLimit, needLua bool) []envoyHTTPFilter {
	var filters []envoyHTTPFilter
	if cfg := jwt.filterConfig(); cfg != nil {
		filters = append(filters, envoyHTTPFilter{Name: filterJWTAuthn, TypedConfig: cfg})
	}
	if needRateLimit {
		filters = append(filters, envoyHTTPFilter{Name: filterLocalRateLimit, TypedConfig: map[string]any{
			"@type":       typeLocalRateLimit,
			"stat_prefix": "http_local_rate_limiter",
		}})
	}
	filters = append(filters, envoyHTTPFilter{Name: filterCors, TypedConfig: map[string]any{"@type": typeCors}})
	if needLua {
		filters = append(filters, envoyHTTPFilter{Name: filterLua, TypedConfig: map[string]any{"@type": typeLua}})
	}
	filters = append(filters, envoyHTTPFilter{Name: filterRouter, TypedConfig: map[string]any{"@type": typeRouter}})
	return filters
}

func exportCluster(svc *ir.Service) (*envoyCluster, []provider.Warning) {
	var warnings []provider.Warning
	u := &svc.Upstream

	cluster := &envoyCluster{
		Name:           svc.Name,
		Type:           "STRICT_DNS",
		ConnectTimeout: "5s",
		LoadAssignment: envoyLoadAssignment{ClusterName: svc.Name},
	}

	algo := ir.AlgorithmRoundRobin
	if u.LoadBalancer != nil {
		algo = u.LoadBalancer.Algorithm
	}
	native, err := units.MapEnum(providerName, units.DomainLBAlgorithm, string(algo))
	if err != nil {
		native = "ROUND_ROBIN"
	}
	cluster.LBPolicy = native

	locality := envoyLocalityEndpoints{}
	for _, t := range u.AllTargets() {
		weight := t.Weight
		if weight == 0 {
			weight = 1
		}
		locality.LBEndpoints = append(locality.LBEndpoints, envoyLBEndpoint{
			Endpoint: envoyEndpoint{Address: envoyAddress{SocketAddress: envoySocketAddress{
				Address: t.Host, PortValue: t.Port,
			}}},
			LoadBalancingWeight: weight,
		})
	}
	cluster.LoadAssignment.Endpoints = []envoyLocalityEndpoints{locality}

	if svc.Protocol.IsSecure() {
		cluster.TransportSocket = &envoyTransportSocket{
			Name:        "envoy.transport_sockets.tls",
			TypedConfig: map[string]any{"@type": typeUpstreamTLS},
		}
	}

	if hc := u.HealthCheck; hc != nil && hc.Active != nil && hc.Active.Enabled {
		a := hc.Active
		httpCheck := &envoyHTTPHealthCheck{Path: a.Path}
		for _, status := range a.HealthyStatus {
			httpCheck.ExpectedStatuses = append(httpCheck.ExpectedStatuses,
				envoyInt64Range{Start: status, End: status + 1})
		}
		cluster.HealthChecks = []envoyHealthCheck{{
			Timeout:            durationString(a.Timeout),
			Interval:           durationString(a.Interval),
			HealthyThreshold:   a.HealthyThreshold,
			UnhealthyThreshold: a.UnhealthyThreshold,
			HTTPHealthCheck:    httpCheck,
		}}
	}

	// Passive checking and the breaker both land in outlier detection; the
	// stricter consecutive-failure budget wins.
	failures := 0
	if hc := u.HealthCheck; hc != nil && hc.Passive != nil && hc.Passive.Enabled {
		failures = hc.Passive.MaxFailures
	}
	ejection := ""
	if cb := u.CircuitBreaker; cb != nil && cb.Enabled {
		if failures == 0 || cb.MaxFailures < failures {
			failures = cb.MaxFailures
		}
		ejection = durationString(cb.Timeout)
		warnings = append(warnings, provider.Partial(capability.CircuitBreaker,
			"envoy's circuit_breakers bound concurrency, not failures; consecutive-failure tripping mapped to outlier detection (consecutive_5xx=%d)", failures))
	}
	if failures > 0 {
		cluster.OutlierDetection = &envoyOutlierDetection{
			Consecutive5xx:   failures,
			BaseEjectionTime: ejection,
		}
	}

	return cluster, warnings
}

func (p *Plugin) exportRoute(svc *ir.Service, r *ir.Route, ri int, cluster *envoyCluster, jwt *jwtBuilder) (*envoyRoute, []provider.Warning, error) {
	var warnings []provider.Warning

	route := &envoyRoute{
		Match: envoyRouteMatch{Prefix: r.PathPrefix},
		Route: &envoyRouteAction{Cluster: svc.Name},
	}
	if len(r.Methods) > 0 {
		route.Match.Headers = []envoyHeaderMatch{methodMatcher(r.Methods)}
	}

	if t := r.Timeout; t != nil {
		// The route timeout bounds the whole upstream exchange; connect time
		// belongs to the cluster.
		route.Route.Timeout = durationString(t.Read)
		if t.Connect > 0 {
			connect := durationString(t.Connect)
			if cluster.ConnectTimeout != "5s" && cluster.ConnectTimeout != connect {
				warnings = append(warnings, provider.Partial(capability.Timeout,
					"connect timeout is cluster-scoped in envoy; route %s keeps the first route's value", r.PathPrefix))
			} else {
				cluster.ConnectTimeout = connect
			}
		}
	}

	if rt := r.Retry; rt != nil && rt.Enabled {
		route.Route.RetryPolicy = exportRetry(rt)
	}

	if ws := r.Websocket; ws != nil && ws.Enabled {
		route.Route.UpgradeConfigs = []envoyUpgradeConfig{{UpgradeType: "websocket"}}
		if ws.IdleTimeout > 0 {
			route.Route.IdleTimeout = durationString(ws.IdleTimeout)
		}
	}

	if h := r.Headers; h != nil {
		route.RequestHeadersToAdd = headerOptions(h.RequestAdd)
		route.RequestHeadersToRemove = h.RequestRemove
		route.ResponseHeadersToAdd = headerOptions(h.ResponseAdd)
		route.ResponseHeadersToRemove = h.ResponseRemove
	}

	perFilter := map[string]map[string]any{}

	if a := r.Authentication; a != nil {
		w := jwt.addRoute(svc, a, r, ri)
		warnings = append(warnings, w...)
	}

	if rl := r.RateLimit; rl != nil && rl.Enabled {
		cfg, w := exportRateLimit(svc.Name, ri, rl)
		warnings = append(warnings, w...)
		perFilter[filterLocalRateLimit] = cfg
	}

	if c := r.CORS; c != nil && c.Enabled {
		perFilter[filterCors] = exportCORS(c)
	}

	if c := r.Cache; c != nil && c.Enabled {
		warnings = append(warnings, provider.Unsupported(capability.Cache,
			"envoy's cache filter is not production-ready; cache omitted"))
	}

	if bt := r.BodyTransformation; bt != nil {
		var add map[string]string
		var remove, filter []string
		if bt.Request != nil {
			add = bt.Request.AddFields
			remove = bt.Request.RemoveFields
		}
		if bt.Response != nil {
			filter = bt.Response.FilterFields
		}
		script, err := shim.Generate(shim.KindEnvoyLuaBody, shim.Params{
			AddFields:    add,
			RemoveFields: remove,
			FilterFields: filter,
			Resolver:     p.resolver,
		})
		if err != nil {
			return nil, warnings, err
		}
		perFilter[filterLua] = map[string]any{
			"@type":       typeLuaPerRoute,
			"source_code": map[string]any{"inline_string": script},
		}
		warnings = append(warnings, provider.Partial(capability.BodyTransform,
			"body_transformation emitted as a per-route Lua http filter"))
	}

	if len(perFilter) > 0 {
		route.TypedPerFilterConfig = perFilter
	}
	return route, warnings, nil
}

// methodMatcher builds the :method header match for a method list.
func methodMatcher(methods []string) envoyHeaderMatch {
	if len(methods) == 1 {
		return envoyHeaderMatch{
			Name:        ":method",
			StringMatch: &envoyStringMatch{Exact: methods[0]},
		}
	}
	return envoyHeaderMatch{
		Name:        ":method",
		StringMatch: &envoyStringMatch{SafeRegex: &envoySafeRegex{Regex: strings.Join(methods, "|")}},
	}
}

func exportRetry(rt *ir.Retry) *envoyRetryPolicy {
	policy := &envoyRetryPolicy{NumRetries: rt.Attempts}

	var codes []int
	all5xx := false
	for _, cond := range rt.RetryOn {
		switch cond {
		case ir.RetryOn5xx:
			all5xx = true
		case ir.RetryOn502:
			codes = append(codes, 502)
		case ir.RetryOn503:
			codes = append(codes, 503)
		case ir.RetryOn504:
			codes = append(codes, 504)
		}
	}
	if all5xx || len(codes) == 0 {
		policy.RetryOn = "5xx"
	} else {
		policy.RetryOn = "retriable-status-codes"
		policy.RetriableStatusCodes = codes
	}

	if rt.BaseInterval > 0 || rt.MaxInterval > 0 {
		policy.RetryBackOff = &envoyRetryBackOff{
			BaseInterval: durationString(rt.BaseInterval),
			MaxInterval:  durationString(rt.MaxInterval),
		}
	}
	return policy
}

func exportRateLimit(svcName string, ri int, rl *ir.RateLimit) (map[string]any, []provider.Warning) {
	var warnings []provider.Warning

	var tokensPerFill int
	fillInterval := "1s"
	if rl.RequestsPerSecond == math.Trunc(rl.RequestsPerSecond) {
		tokensPerFill = int(rl.RequestsPerSecond)
	} else {
		perMin, _ := units.Convert(rl.RequestsPerSecond, units.PerSecond, units.PerMinute)
		tokensPerFill = int(units.RoundHalfUp(perMin))
		fillInterval = "60s"
	}
	maxTokens := tokensPerFill + rl.Burst

	switch rl.KeyType {
	case ir.RateLimitKeyHeader, ir.RateLimitKeyJWTClaim:
		warnings = append(warnings, provider.Partial(capability.RateLimit,
			"local rate limiting is unkeyed; %s-keyed limiting requires the global rate limit service", rl.KeyType))
	}

	return map[string]any{
		"@type":       typeLocalRateLimit,
		"stat_prefix": fmt.Sprintf("%s_r%d", svcName, ri),
		"token_bucket": map[string]any{
			"max_tokens":      maxTokens,
			"tokens_per_fill": tokensPerFill,
			"fill_interval":   fillInterval,
		},
	}, warnings
}

func exportCORS(c *ir.CORS) map[string]any {
	origins := make([]map[string]any, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		origins = append(origins, map[string]any{"exact": o})
	}
	cfg := map[string]any{
		"@type":                     typeCorsPolicy,
		"allow_origin_string_match": origins,
		"allow_methods":             strings.Join(c.AllowedMethods, ","),
		"allow_headers":             strings.Join(c.AllowedHeaders, ","),
		"allow_credentials":         c.AllowCredentials,
	}
	if c.MaxAge > 0 {
		cfg["max_age"] = fmt.Sprintf("%d", units.RoundHalfUp(c.MaxAge))
	}
	return cfg
}

func headerOptions(m map[string]string) []envoyHeaderValueOption {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]envoyHeaderValueOption, 0, len(m))
	for _, k := range keys {
		out = append(out, envoyHeaderValueOption{
			Header:       envoyHeaderValue{Key: k, Value: m[k]},
			AppendAction: "OVERWRITE_IF_EXISTS_OR_ADD",
		})
	}
	return out
}

// jwtBuilder accumulates jwt_authn providers and match rules across routes;
// non-JWT auth types surface as unsupported warnings here so every auth
// decision lives in one place.
type jwtBuilder struct {
	providers map[string]map[string]any
	rules     []map[string]any
	clusters  []envoyCluster
	jwksNames map[string]string // jwks uri -> cluster name
	usedNames map[string]bool
}

func newJWTBuilder() *jwtBuilder {
	return &jwtBuilder{
		providers: map[string]map[string]any{},
		jwksNames: map[string]string{},
		usedNames: map[string]bool{},
	}
}

// jwksCluster returns the cluster name serving uri, creating the cluster on
// first sight. Routes sharing a JWKS endpoint share one cluster; distinct
// endpoints under the same service get numbered names so the bootstrap never
// declares two clusters with the same name.
func (b *jwtBuilder) jwksCluster(svcName, uri string) string {
	if name, ok := b.jwksNames[uri]; ok {
		return name
	}
	base := fmt.Sprintf("%s-jwks", svcName)
	name := base
	for n := 2; b.usedNames[name]; n++ {
		name = fmt.Sprintf("%s-%d", base, n)
	}
	b.jwksNames[uri] = name
	b.usedNames[name] = true
	if c := jwksClusterFor(name, uri); c != nil {
		b.clusters = append(b.clusters, *c)
	}
	return name
}

func (b *jwtBuilder) addRoute(svc *ir.Service, a *ir.Authentication, r *ir.Route, ri int) []provider.Warning {
	var warnings []provider.Warning

	switch a.Type {
	case ir.AuthBasic:
		return []provider.Warning{provider.Unsupported(capability.AuthBasic,
			"envoy has no stock basic auth filter; omitted")}
	case ir.AuthAPIKey:
		return []provider.Warning{provider.Unsupported(capability.AuthAPIKey,
			"API key validation requires a custom or contrib filter; omitted")}
	}

	j := a.JWT
	if j == nil {
		return warnings
	}
	name := fmt.Sprintf("%s_r%d", strings.ReplaceAll(svc.Name, "-", "_"), ri)

	prov := map[string]any{"issuer": j.Issuer}
	if len(j.Audience) > 0 {
		prov["audiences"] = j.Audience
	}
	switch {
	case j.JWKSURI != "":
		prov["remote_jwks"] = map[string]any{
			"http_uri": map[string]any{
				"uri":     j.JWKSURI,
				"cluster": b.jwksCluster(svc.Name, j.JWKSURI),
				"timeout": "5s",
			},
			"cache_duration": "300s",
		}
	case j.Secret != "":
		prov["local_jwks"] = map[string]any{"inline_string": hmacJWKS(j.Secret)}
	case j.PublicKey != "":
		warnings = append(warnings, provider.Partial(capability.AuthJWT,
			"jwt_authn takes JWKS, not PEM; convert the public key to a JWKS document out of band"))
	}
	if len(j.RequiredClaims) > 0 {
		warnings = append(warnings, provider.Partial(capability.AuthJWT,
			"jwt_authn does not verify arbitrary claims; required_claims dropped"))
	}

	b.providers[name] = prov
	rule := map[string]any{
		"match":    map[string]any{"prefix": r.PathPrefix},
		"requires": map[string]any{"provider_name": name},
	}
	b.rules = append(b.rules, rule)
	return warnings
}

func (b *jwtBuilder) filterConfig() map[string]any {
	if len(b.providers) == 0 {
		return nil
	}
	return map[string]any{
		"@type":     typeJWTAuthn,
		"providers": b.providers,
		"rules":     b.rules,
	}
}

func (b *jwtBuilder) takeClusters() []envoyCluster {
	out := b.clusters
	b.clusters = nil
	return out
}

// jwksClusterFor builds the upstream cluster remote_jwks fetches from.
func jwksClusterFor(name, uri string) *envoyCluster {
	host, port, secure := splitJWKSHost(uri)
	if host == "" {
		return nil
	}
	c := &envoyCluster{
		Name:           name,
		Type:           "STRICT_DNS",
		ConnectTimeout: "5s",
		LoadAssignment: envoyLoadAssignment{
			ClusterName: name,
			Endpoints: []envoyLocalityEndpoints{{LBEndpoints: []envoyLBEndpoint{{
				Endpoint: envoyEndpoint{Address: envoyAddress{SocketAddress: envoySocketAddress{
					Address: host, PortValue: port,
				}}},
			}}}},
		},
	}
	if secure {
		c.TransportSocket = &envoyTransportSocket{
			Name:        "envoy.transport_sockets.tls",
			TypedConfig: map[string]any{"@type": typeUpstreamTLS},
		}
	}
	return c
}

func splitJWKSHost(uri string) (host string, port int, secure bool) {
	rest := uri
	switch {
	case strings.HasPrefix(uri, "https://"):
		rest, secure, port = uri[len("https://"):], true, 443
	case strings.HasPrefix(uri, "http://"):
		rest, port = uri[len("http://"):], 80
	default:
		return "", 0, false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if h, p, ok := strings.Cut(rest, ":"); ok {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err == nil {
			return h, n, secure
		}
		return h, port, secure
	}
	return rest, port, secure
}

// hmacJWKS wraps a shared secret in an oct-type JWKS document.
func hmacJWKS(secret string) string {
	k := base64.RawURLEncoding.EncodeToString([]byte(secret))
	return fmt.Sprintf(`{"keys":[{"kty":"oct","k":"%s"}]}`, k)
}

// durationString renders canonical seconds as a proto JSON duration.
func durationString(seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	d := time.Duration(seconds * float64(time.Second))
	if d == d.Truncate(time.Second) {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return fmt.Sprintf("%gs", seconds)
}
