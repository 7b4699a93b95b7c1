// Package traefik maps the IR to Traefik's file-provider dynamic
// configuration and back. Traefik's open-source distribution has the
// narrowest policy coverage of the script-less targets: API key and JWT
// auth, caching and body transformation are all absent, so exports lean on
// warnings more than approximations.
package traefik

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
	"github.com/wudi/crossgw/internal/units"
)

const providerName = "traefik"

// breakerExpression is the fixed circuit breaker approximation. Traefik's
// breaker is expression-based; a consecutive-failure count has no equivalent.
const breakerExpression = "NetworkErrorRatio() > 0.30"

// Plugin implements the Traefik mapping.
type Plugin struct{}

// New creates a Traefik plugin.
func New() *Plugin { return &Plugin{} }

func init() {
	provider.Register(New())
}

// Name returns the provider identifier.
func (p *Plugin) Name() string { return providerName }

// Export maps an IR document to Traefik dynamic configuration YAML.
func (p *Plugin) Export(doc *ir.Document) ([]byte, []provider.Warning, error) {
	out := traefikConfig{HTTP: traefikHTTP{
		Routers:           map[string]*traefikRouter{},
		Middlewares:       map[string]*traefikMiddleware{},
		Services:          map[string]*traefikService{},
		ServersTransports: map[string]*traefikServersTransport{},
	}}
	var warnings []provider.Warning

	for i := range doc.Services {
		w := exportService(&doc.Services[i], &out.HTTP)
		warnings = append(warnings, w...)
	}

	if len(out.HTTP.ServersTransports) == 0 {
		out.HTTP.ServersTransports = nil
	}
	if len(out.HTTP.Middlewares) == 0 {
		out.HTTP.Middlewares = nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf, yaml.Indent(2))
	if err := enc.Encode(out); err != nil {
		return nil, warnings, fmt.Errorf("failed to serialize traefik config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, warnings, err
	}
	return buf.Bytes(), warnings, nil
}

func exportService(svc *ir.Service, http *traefikHTTP) []provider.Warning {
	var warnings []provider.Warning

	warnings = append(warnings, exportBackend(svc, http)...)

	// Breaker and transport are service-scoped; routers reference them.
	breakerName := ""
	if cb := svc.Upstream.CircuitBreaker; cb != nil && cb.Enabled {
		breakerName = svc.Name + "-breaker"
		http.Middlewares[breakerName] = &traefikMiddleware{
			CircuitBreaker: &traefikCircuitBreaker{Expression: breakerExpression},
		}
		warnings = append(warnings, provider.Partial(capability.CircuitBreaker,
			"circuit_breaker approximated by expression %q; max_failures=%d is not expressible", breakerExpression, cb.MaxFailures))
	}

	transportDone := false
	for ri := range svc.Routes {
		r := &svc.Routes[ri]
		routerName := fmt.Sprintf("%s-r%d", svc.Name, ri)
		router := &traefikRouter{Rule: routeRule(r), Service: svc.Name}

		if t := r.Timeout; t != nil {
			if !transportDone {
				transportDone = true
				http.ServersTransports[svc.Name+"-transport"] = &traefikServersTransport{
					ForwardingTimeouts: &traefikForwardingTimeouts{
						DialTimeout:           durationString(t.Connect),
						ResponseHeaderTimeout: durationString(t.Read),
					},
				}
				msg := "timeouts are transport-scoped; dial and response-header timeouts set"
				if t.Send > 0 {
					msg += "; send timeout has no equivalent"
				}
				warnings = append(warnings, provider.Partial(capability.Timeout, "%s", msg))
			} else {
				warnings = append(warnings, provider.Partial(capability.Timeout,
					"timeouts are transport-scoped in traefik; route %s keeps the first route's values", r.PathPrefix))
			}
		}

		mws, w := exportRouteMiddlewares(svc, r, routerName, http.Middlewares)
		warnings = append(warnings, w...)
		if breakerName != "" {
			mws = append(mws, breakerName)
		}
		router.Middlewares = mws

		if ws := r.Websocket; ws != nil && ws.Enabled && ws.IdleTimeout > 0 {
			// Upgrade itself is transparent; only the idle bound is lost.
			warnings = append(warnings, provider.Partial(capability.Websocket,
				"websocket idle_timeout has no traefik equivalent; dropped"))
		}

		http.Routers[routerName] = router
	}

	if transportDone {
		attachTransport(http.Services[svc.Name], http.Services, svc.Name)
	}

	return warnings
}

// attachTransport points every loadBalancer of the service (including
// weighted children) at the service transport.
func attachTransport(root *traefikService, services map[string]*traefikService, svcName string) {
	if root == nil {
		return
	}
	if root.LoadBalancer != nil {
		root.LoadBalancer.ServersTransport = svcName + "-transport"
	}
	if root.Weighted != nil {
		for _, ref := range root.Weighted.Services {
			if child := services[ref.Name]; child != nil && child.LoadBalancer != nil {
				child.LoadBalancer.ServersTransport = svcName + "-transport"
			}
		}
	}
}

func exportBackend(svc *ir.Service, http *traefikHTTP) []provider.Warning {
	var warnings []provider.Warning
	u := &svc.Upstream
	targets := u.AllTargets()

	algo := ir.AlgorithmRoundRobin
	if u.LoadBalancer != nil {
		algo = u.LoadBalancer.Algorithm
	}
	switch algo {
	case ir.AlgorithmLeastConn:
		warnings = append(warnings, provider.Unsupported(capability.LBLeastConn,
			"traefik has no least-connections balancer; falling back to round robin"))
		algo = ir.AlgorithmRoundRobin
	case ir.AlgorithmIPHash:
		warnings = append(warnings, provider.Unsupported(capability.LBIPHash,
			"traefik offers only cookie stickiness, not IP hashing; falling back to round robin"))
		algo = ir.AlgorithmRoundRobin
	}

	var health *traefikHealthCheck
	if hc := u.HealthCheck; hc != nil {
		if a := hc.Active; a != nil && a.Enabled {
			health = &traefikHealthCheck{
				Path:     a.Path,
				Interval: durationString(a.Interval),
				Timeout:  durationString(a.Timeout),
			}
			if len(a.HealthyStatus) > 0 {
				warnings = append(warnings, provider.Partial(capability.HealthActive,
					"traefik health checks accept any 2xx-3xx response; healthy_status list dropped"))
			}
		}
		if ps := hc.Passive; ps != nil && ps.Enabled {
			warnings = append(warnings, provider.Unsupported(capability.HealthPassive,
				"traefik has no passive health checking; dropped"))
		}
	}

	if algo == ir.AlgorithmWeighted {
		wrr := &traefikWeighted{}
		for i, t := range targets {
			childName := fmt.Sprintf("%s-t%d", svc.Name, i)
			weight := t.Weight
			if weight == 0 {
				weight = 1
			}
			http.Services[childName] = &traefikService{
				LoadBalancer: &traefikLoadBalancer{
					Servers:     []traefikServer{{URL: serverURL(svc.Protocol, t)}},
					HealthCheck: health,
				},
			}
			wrr.Services = append(wrr.Services, traefikWeightedRef{Name: childName, Weight: weight})
		}
		http.Services[svc.Name] = &traefikService{Weighted: wrr}
		return warnings
	}

	lb := &traefikLoadBalancer{HealthCheck: health}
	for _, t := range targets {
		lb.Servers = append(lb.Servers, traefikServer{URL: serverURL(svc.Protocol, t)})
	}
	http.Services[svc.Name] = &traefikService{LoadBalancer: lb}
	return warnings
}

func serverURL(p ir.Protocol, t ir.Target) string {
	scheme := "http"
	if p.IsSecure() {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, t.Host, t.Port)
}

// routeRule renders the router matching rule from path prefix and methods.
func routeRule(r *ir.Route) string {
	rule := fmt.Sprintf("PathPrefix(`%s`)", r.PathPrefix)
	if len(r.Methods) == 0 {
		return rule
	}
	parts := make([]string, 0, len(r.Methods))
	for _, m := range r.Methods {
		parts = append(parts, fmt.Sprintf("Method(`%s`)", m))
	}
	if len(parts) == 1 {
		return rule + " && " + parts[0]
	}
	joined := parts[0]
	for _, p := range parts[1:] {
		joined += " || " + p
	}
	return rule + " && (" + joined + ")"
}

func exportRouteMiddlewares(svc *ir.Service, r *ir.Route, routerName string, middlewares map[string]*traefikMiddleware) ([]string, []provider.Warning) {
	var names []string
	var warnings []provider.Warning

	if a := r.Authentication; a != nil {
		switch a.Type {
		case ir.AuthBasic:
			mw := &traefikMiddleware{BasicAuth: &traefikBasicAuth{}}
			if a.Basic != nil {
				users := make([]string, 0, len(a.Basic.Users))
				for u := range a.Basic.Users {
					users = append(users, u)
				}
				sort.Strings(users)
				for _, u := range users {
					mw.BasicAuth.Users = append(mw.BasicAuth.Users, u+":"+a.Basic.Users[u])
				}
			}
			name := routerName + "-auth"
			middlewares[name] = mw
			names = append(names, name)
			if a.FailStatus != 0 && a.FailStatus != 401 {
				warnings = append(warnings, provider.Partial(capability.AuthBasic,
					"traefik basicAuth always rejects with 401; fail_status %d dropped", a.FailStatus))
			}
		case ir.AuthAPIKey:
			warnings = append(warnings, provider.Unsupported(capability.AuthAPIKey,
				"no API key middleware in the open-source distribution; omitted"))
		case ir.AuthJWT:
			warnings = append(warnings, provider.Unsupported(capability.AuthJWT,
				"JWT middleware is enterprise-only; omitted"))
		}
	}

	if rl := r.RateLimit; rl != nil && rl.Enabled {
		mw := &traefikMiddleware{RateLimit: &traefikRateLimit{Burst: rl.Burst}}
		// rateLimit.average is an integer; fractional rates shift to a
		// one-minute period, pure unit translation.
		if rl.RequestsPerSecond == math.Trunc(rl.RequestsPerSecond) {
			mw.RateLimit.Average = rl.RequestsPerSecond
		} else {
			perMin, _ := units.Convert(rl.RequestsPerSecond, units.PerSecond, units.PerMinute)
			mw.RateLimit.Average = float64(units.RoundHalfUp(perMin))
			mw.RateLimit.Period = "1m"
		}
		switch rl.KeyType {
		case ir.RateLimitKeyHeader:
			mw.RateLimit.SourceCriterion = &traefikSourceCriterion{RequestHeaderName: rl.KeyName}
		case ir.RateLimitKeyJWTClaim:
			mw.RateLimit.SourceCriterion = &traefikSourceCriterion{IPStrategy: &traefikIPStrategy{}}
			warnings = append(warnings, provider.Partial(capability.RateLimit,
				"rate limit keyed on jwt claim %q is not expressible; keyed on client IP", rl.KeyName))
		default:
			mw.RateLimit.SourceCriterion = &traefikSourceCriterion{IPStrategy: &traefikIPStrategy{}}
		}
		name := routerName + "-ratelimit"
		middlewares[name] = mw
		names = append(names, name)
	}

	if hdrs := exportHeaders(r); hdrs != nil {
		name := routerName + "-headers"
		middlewares[name] = &traefikMiddleware{Headers: hdrs}
		names = append(names, name)
	}

	if rt := r.Retry; rt != nil && rt.Enabled {
		mw := &traefikMiddleware{Retry: &traefikRetry{Attempts: rt.Attempts}}
		if rt.BaseInterval > 0 {
			mw.Retry.InitialInterval = durationString(rt.BaseInterval)
		}
		warnings = append(warnings, provider.Partial(capability.Retry,
			"traefik retries on network errors only; conditions %v are not configurable", rt.RetryOn))
		if rt.MaxInterval > 0 {
			warnings = append(warnings, provider.Partial(capability.RetryBackoff,
				"traefik exposes only the initial retry interval; max_interval dropped"))
		}
		name := routerName + "-retry"
		middlewares[name] = mw
		names = append(names, name)
	}

	if bt := r.BodyTransformation; bt != nil {
		warnings = append(warnings, provider.Unsupported(capability.BodyTransform,
			"traefik has no body rewriting middleware; body_transformation omitted"))
	}
	if c := r.Cache; c != nil && c.Enabled {
		warnings = append(warnings, provider.Unsupported(capability.Cache,
			"no cache middleware in the open-source distribution; cache omitted"))
	}

	return names, warnings
}

// exportHeaders merges the CORS policy and header mutations into one headers
// middleware. Removal is spelled as an empty-valued custom header.
func exportHeaders(r *ir.Route) *traefikHeaders {
	var out *traefikHeaders
	ensure := func() *traefikHeaders {
		if out == nil {
			out = &traefikHeaders{}
		}
		return out
	}

	if h := r.Headers; h != nil {
		if len(h.RequestAdd) > 0 || len(h.RequestRemove) > 0 {
			m := map[string]string{}
			for k, v := range h.RequestAdd {
				m[k] = v
			}
			for _, k := range h.RequestRemove {
				m[k] = ""
			}
			ensure().CustomRequestHeaders = m
		}
		if len(h.ResponseAdd) > 0 || len(h.ResponseRemove) > 0 {
			m := map[string]string{}
			for k, v := range h.ResponseAdd {
				m[k] = v
			}
			for _, k := range h.ResponseRemove {
				m[k] = ""
			}
			ensure().CustomResponseHeaders = m
		}
	}

	if c := r.CORS; c != nil && c.Enabled {
		hd := ensure()
		hd.AccessControlAllowOriginList = c.AllowedOrigins
		hd.AccessControlAllowMethods = c.AllowedMethods
		hd.AccessControlAllowHeaders = c.AllowedHeaders
		hd.AccessControlAllowCredentials = c.AllowCredentials
		hd.AccessControlMaxAge = int(units.RoundHalfUp(c.MaxAge))
	}

	return out
}

// durationString renders canonical seconds as a Traefik duration literal.
func durationString(seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	return time.Duration(seconds * float64(time.Second)).String()
}
