// Package apisix maps the IR to APISIX's standalone declarative configuration
// and back. APISIX has the richest native coverage of the script-capable
// targets: the breaker, both cache key strategies and burst allowances all
// map without approximation; only body transformation needs a serverless
// Lua shim.
package apisix

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
	"github.com/wudi/crossgw/internal/shim"
	"github.com/wudi/crossgw/internal/units"
)

const providerName = "apisix"

// Consumer usernames must match [a-zA-Z0-9_]+ in APISIX.
var consumerNameSanitizer = strings.NewReplacer("-", "_", ".", "_")

// Plugin implements the APISIX mapping.
type Plugin struct {
	resolver *shim.Resolver
}

// New creates an APISIX plugin. A nil resolver uses production randomness.
func New(resolver *shim.Resolver) *Plugin {
	return &Plugin{resolver: resolver}
}

func init() {
	provider.Register(New(nil))
}

// Name returns the provider identifier.
func (p *Plugin) Name() string { return providerName }

// Export maps an IR document to an apisix.yaml standalone config.
func (p *Plugin) Export(doc *ir.Document) ([]byte, []provider.Warning, error) {
	out := apisixConfig{}
	var warnings []provider.Warning

	for i := range doc.Services {
		svc := &doc.Services[i]

		upstream, w := exportUpstream(svc)
		warnings = append(warnings, w...)
		out.Upstreams = append(out.Upstreams, *upstream)

		for ri := range svc.Routes {
			route, consumers, w, err := p.exportRoute(svc, &svc.Routes[ri], ri)
			if err != nil {
				return nil, warnings, fmt.Errorf("service %s: %w", svc.Name, err)
			}
			warnings = append(warnings, w...)
			out.Routes = append(out.Routes, *route)
			out.Consumers = append(out.Consumers, consumers...)
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf, yaml.Indent(2))
	if err := enc.Encode(out); err != nil {
		return nil, warnings, fmt.Errorf("failed to serialize apisix config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, warnings, err
	}
	// Standalone mode requires the end-of-file marker.
	buf.WriteString("#END\n")
	return buf.Bytes(), warnings, nil
}

func exportUpstream(svc *ir.Service) (*apisixUpstream, []provider.Warning) {
	var warnings []provider.Warning
	u := &svc.Upstream

	up := &apisixUpstream{
		ID:     svc.Name,
		Name:   svc.Name,
		Scheme: upstreamScheme(svc.Protocol),
	}

	for _, t := range u.AllTargets() {
		weight := t.Weight
		if weight == 0 {
			weight = 1
		}
		up.Nodes = append(up.Nodes, apisixNode{Host: t.Host, Port: t.Port, Weight: weight})
	}

	algo := ir.AlgorithmRoundRobin
	if u.LoadBalancer != nil {
		algo = u.LoadBalancer.Algorithm
	}
	native, err := units.MapEnum(providerName, units.DomainLBAlgorithm, string(algo))
	if err != nil {
		native = "roundrobin"
	}
	up.Type = native
	if algo == ir.AlgorithmIPHash {
		up.HashOn = "vars"
		up.Key = "remote_addr"
	}

	// Retries live on the upstream; the first route that enables retry wins.
	for ri := range svc.Routes {
		r := svc.Routes[ri].Retry
		if r == nil || !r.Enabled {
			continue
		}
		if up.Retries == nil {
			retries := r.Attempts
			up.Retries = &retries
			warnings = append(warnings, provider.Partial(capability.Retry,
				"retry mapped to upstream retries=%d; conditions %v are not configurable", r.Attempts, r.RetryOn))
			if r.BaseInterval > 0 || r.MaxInterval > 0 {
				warnings = append(warnings, provider.Unsupported(capability.RetryBackoff,
					"apisix has no backoff control on upstream retries; intervals dropped"))
			}
		} else if *up.Retries != r.Attempts {
			warnings = append(warnings, provider.Partial(capability.Retry,
				"retries are upstream-scoped in apisix; route %s keeps the first route's count", svc.Routes[ri].PathPrefix))
		}
	}

	if hc := u.HealthCheck; hc != nil {
		checks := &apisixChecks{}
		if a := hc.Active; a != nil && a.Enabled {
			checks.Active = &apisixActiveCheck{
				Type:     "http",
				HTTPPath: a.Path,
				Timeout:  a.Timeout,
				Healthy: &apisixCheckHealthy{
					Interval:     a.Interval,
					Successes:    a.HealthyThreshold,
					HTTPStatuses: a.HealthyStatus,
				},
				Unhealthy: &apisixCheckFailed{
					Interval:     a.Interval,
					HTTPFailures: a.UnhealthyThreshold,
				},
			}
		}
		if ps := hc.Passive; ps != nil && ps.Enabled {
			checks.Passive = &apisixPassiveCheck{
				Unhealthy: &apisixCheckFailed{HTTPFailures: ps.MaxFailures},
			}
		}
		if checks.Active != nil || checks.Passive != nil {
			up.Checks = checks
		}
	}

	return up, warnings
}

func upstreamScheme(p ir.Protocol) string {
	switch p {
	case ir.ProtocolHTTPS, ir.ProtocolWSS:
		return "https"
	case ir.ProtocolGRPC:
		return "grpc"
	case ir.ProtocolGRPCS:
		return "grpcs"
	default:
		return "http"
	}
}

func (p *Plugin) exportRoute(svc *ir.Service, r *ir.Route, ri int) (*apisixRoute, []apisixConsumer, []provider.Warning, error) {
	var warnings []provider.Warning
	var consumers []apisixConsumer

	route := &apisixRoute{
		ID:         fmt.Sprintf("%s-r%d", svc.Name, ri),
		Name:       fmt.Sprintf("%s-r%d", svc.Name, ri),
		URIs:       []string{prefixURI(r.PathPrefix)},
		Methods:    r.Methods,
		UpstreamID: svc.Name,
		Plugins:    map[string]any{},
	}

	if t := r.Timeout; t != nil {
		route.Timeout = &apisixTimeout{Connect: t.Connect, Send: t.Send, Read: t.Read}
	}

	if ws := r.Websocket; ws != nil && ws.Enabled {
		route.EnableWebsocket = true
		if ws.IdleTimeout > 0 {
			warnings = append(warnings, provider.Partial(capability.Websocket,
				"websocket idle_timeout has no apisix equivalent; dropped"))
		}
	}

	if a := r.Authentication; a != nil {
		cons, w := exportAuth(svc, a, ri, route.Plugins)
		consumers = append(consumers, cons...)
		warnings = append(warnings, w...)
	}

	if rl := r.RateLimit; rl != nil && rl.Enabled {
		warnings = append(warnings, exportRateLimit(rl, route.Plugins)...)
	}

	if c := r.CORS; c != nil && c.Enabled {
		route.Plugins["cors"] = map[string]any{
			"allow_origins":    strings.Join(c.AllowedOrigins, ","),
			"allow_methods":    strings.Join(c.AllowedMethods, ","),
			"allow_headers":    strings.Join(c.AllowedHeaders, ","),
			"allow_credential": c.AllowCredentials,
			"max_age":          int(units.RoundHalfUp(c.MaxAge)),
		}
	}

	if c := r.Cache; c != nil && c.Enabled {
		key := []string{"$uri"}
		if c.CacheKey == ir.CacheKeyPathQuery {
			key = []string{"$uri", "$args"}
		}
		route.Plugins["proxy-cache"] = map[string]any{
			"cache_strategy": "memory",
			"cache_ttl":      int(units.RoundHalfUp(c.TTL)),
			"cache_key":      key,
		}
	}

	if h := r.Headers; h != nil {
		exportHeaders(h, route.Plugins)
	}

	if bt := r.BodyTransformation; bt != nil {
		w, err := p.exportBodyTransform(bt, route.Plugins)
		if err != nil {
			return nil, nil, warnings, err
		}
		warnings = append(warnings, w...)
	}

	if cb := svc.Upstream.CircuitBreaker; cb != nil && cb.Enabled {
		// api-breaker is route-scoped; every route of the service carries it.
		breaker := map[string]any{
			"break_response_code": 502,
			"unhealthy": map[string]any{
				"http_statuses": []int{500, 502, 503, 504},
				"failures":      cb.MaxFailures,
			},
			"healthy": map[string]any{
				"http_statuses": []int{200},
				"successes":     1,
			},
		}
		if cb.Timeout > 0 {
			breaker["max_breaker_sec"] = int(units.RoundHalfUp(cb.Timeout))
		}
		route.Plugins["api-breaker"] = breaker
	}

	if len(route.Plugins) == 0 {
		route.Plugins = nil
	}
	return route, consumers, warnings, nil
}

// prefixURI renders an IR path prefix as an APISIX wildcard uri.
func prefixURI(prefix string) string {
	if prefix == "/" {
		return "/*"
	}
	return prefix + "*"
}

func exportAuth(svc *ir.Service, a *ir.Authentication, ri int, plugins map[string]any) ([]apisixConsumer, []provider.Warning) {
	var warnings []provider.Warning
	var consumers []apisixConsumer
	base := consumerNameSanitizer.Replace(fmt.Sprintf("%s_r%d", svc.Name, ri))

	if a.FailStatus != 0 && a.FailStatus != 401 {
		warnings = append(warnings, provider.Partial(featureForAuth(a.Type),
			"apisix auth plugins always reject with 401; fail_status %d dropped", a.FailStatus))
	}
	if a.FailMessage != "" {
		warnings = append(warnings, provider.Partial(featureForAuth(a.Type),
			"custom fail_message is not configurable on apisix auth plugins; dropped"))
	}

	switch a.Type {
	case ir.AuthBasic:
		plugins["basic-auth"] = map[string]any{}
		if a.Basic != nil {
			users := make([]string, 0, len(a.Basic.Users))
			for u := range a.Basic.Users {
				users = append(users, u)
			}
			sort.Strings(users)
			for i, u := range users {
				consumers = append(consumers, apisixConsumer{
					Username: fmt.Sprintf("%s_u%d", base, i),
					Plugins: map[string]any{
						"basic-auth": map[string]any{"username": u, "password": a.Basic.Users[u]},
					},
				})
			}
		}

	case ir.AuthAPIKey:
		cfg := map[string]any{}
		if a.APIKey != nil {
			if a.APIKey.Header != "" {
				cfg["header"] = a.APIKey.Header
			}
			if a.APIKey.QueryParam != "" {
				cfg["query"] = a.APIKey.QueryParam
			}
			for i, k := range a.APIKey.Keys {
				consumers = append(consumers, apisixConsumer{
					Username: fmt.Sprintf("%s_k%d", base, i),
					Plugins:  map[string]any{"key-auth": map[string]any{"key": k}},
				})
			}
		}
		plugins["key-auth"] = cfg

	case ir.AuthJWT:
		plugins["jwt-auth"] = map[string]any{}
		j := a.JWT
		if j == nil {
			break
		}
		if j.JWKSURI != "" {
			warnings = append(warnings, provider.Partial(capability.AuthJWT,
				"apisix's jwt-auth plugin cannot fetch JWKS; provision key material for %s out of band", j.JWKSURI))
			break
		}
		if len(j.Audience) > 0 || len(j.RequiredClaims) > 0 {
			warnings = append(warnings, provider.Partial(capability.AuthJWT,
				"apisix's jwt-auth plugin verifies signature and exp only; audience and required_claims dropped"))
		}
		cred := map[string]any{"key": j.Issuer}
		if len(j.Algorithms) > 0 {
			cred["algorithm"] = j.Algorithms[0]
		}
		if j.Secret != "" {
			cred["secret"] = j.Secret
		} else {
			cred["public_key"] = j.PublicKey
		}
		consumers = append(consumers, apisixConsumer{
			Username: base,
			Plugins:  map[string]any{"jwt-auth": cred},
		})
	}

	return consumers, warnings
}

func featureForAuth(t ir.AuthType) capability.Feature {
	switch t {
	case ir.AuthBasic:
		return capability.AuthBasic
	case ir.AuthAPIKey:
		return capability.AuthAPIKey
	default:
		return capability.AuthJWT
	}
}

func exportRateLimit(rl *ir.RateLimit, plugins map[string]any) []provider.Warning {
	var warnings []provider.Warning

	cfg := map[string]any{
		"rate":  rl.RequestsPerSecond,
		"burst": rl.Burst,
	}
	// Integral rates serialize as ints so the emitted yaml stays clean.
	if rl.RequestsPerSecond == math.Trunc(rl.RequestsPerSecond) {
		cfg["rate"] = int(rl.RequestsPerSecond)
	}

	switch rl.KeyType {
	case ir.RateLimitKeyHeader:
		cfg["key_type"] = "var"
		cfg["key"] = "http_" + strings.ToLower(strings.ReplaceAll(rl.KeyName, "-", "_"))
	case ir.RateLimitKeyJWTClaim:
		cfg["key_type"] = "var"
		cfg["key"] = "consumer_name"
		warnings = append(warnings, provider.Partial(capability.RateLimit,
			"rate limit keyed on jwt claim %q approximated by per-consumer limiting", rl.KeyName))
	default:
		cfg["key_type"] = "var"
		cfg["key"] = "remote_addr"
	}

	plugins["limit-req"] = cfg
	return warnings
}

func exportHeaders(h *ir.Headers, plugins map[string]any) {
	if len(h.RequestAdd) > 0 || len(h.RequestRemove) > 0 {
		hdrs := map[string]any{}
		if len(h.RequestAdd) > 0 {
			hdrs["set"] = sortedCopy(h.RequestAdd)
		}
		if len(h.RequestRemove) > 0 {
			hdrs["remove"] = h.RequestRemove
		}
		plugins["proxy-rewrite"] = map[string]any{"headers": hdrs}
	}
	if len(h.ResponseAdd) > 0 || len(h.ResponseRemove) > 0 {
		hdrs := map[string]any{}
		if len(h.ResponseAdd) > 0 {
			hdrs["set"] = sortedCopy(h.ResponseAdd)
		}
		if len(h.ResponseRemove) > 0 {
			hdrs["remove"] = h.ResponseRemove
		}
		plugins["response-rewrite"] = map[string]any{"headers": hdrs}
	}
}

// sortedCopy rebuilds a map in key order. goccy serializes map[string]string
// keys sorted either way; the copy keeps that explicit at the call site.
func sortedCopy(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (p *Plugin) exportBodyTransform(bt *ir.BodyTransformation, plugins map[string]any) ([]provider.Warning, error) {
	var warnings []provider.Warning
	emitted := false

	if req := bt.Request; req != nil && (len(req.AddFields) > 0 || len(req.RemoveFields) > 0) {
		script, err := shim.Generate(shim.KindLuaBodyTransform, shim.Params{
			Runtime:      "apisix",
			AddFields:    req.AddFields,
			RemoveFields: req.RemoveFields,
			Resolver:     p.resolver,
		})
		if err != nil {
			return warnings, err
		}
		plugins["serverless-pre-function"] = map[string]any{
			"phase":     "rewrite",
			"functions": []string{script},
		}
		emitted = true
	}

	if resp := bt.Response; resp != nil && len(resp.FilterFields) > 0 {
		script, err := shim.Generate(shim.KindLuaResponseFilter, shim.Params{
			Runtime:      "apisix",
			FilterFields: resp.FilterFields,
			Resolver:     p.resolver,
		})
		if err != nil {
			return warnings, err
		}
		plugins["serverless-post-function"] = map[string]any{
			"phase":     "body_filter",
			"functions": []string{script},
		}
		emitted = true
	}

	if emitted {
		warnings = append(warnings, provider.Partial(capability.BodyTransform,
			"body_transformation emitted as serverless Lua functions"))
	}
	return warnings, nil
}
