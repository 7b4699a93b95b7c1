package traefik

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
)

var (
	pathPrefixRe = regexp.MustCompile("PathPrefix\\(`([^`]*)`\\)")
	methodRe     = regexp.MustCompile("Method\\(`([^`]*)`\\)")
)

// Import reverses the dynamic config mapping best-effort. Expression-based
// breakers and unknown middlewares are dropped with a warning.
func (p *Plugin) Import(data []byte) (*ir.Document, []provider.Warning, error) {
	var cfg traefikConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse traefik config: %w", err)
	}

	// Weighted children are folded into their parent, not imported as
	// services of their own.
	children := map[string]bool{}
	for _, svc := range cfg.HTTP.Services {
		if svc.Weighted == nil {
			continue
		}
		for _, ref := range svc.Weighted.Services {
			children[ref.Name] = true
		}
	}

	routersByService := map[string][]string{}
	for name, router := range cfg.HTTP.Routers {
		routersByService[router.Service] = append(routersByService[router.Service], name)
	}

	names := make([]string, 0, len(cfg.HTTP.Services))
	for name := range cfg.HTTP.Services {
		if !children[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	doc := &ir.Document{}
	var warnings []provider.Warning

	for _, name := range names {
		svc, w, err := importService(name, &cfg.HTTP, routersByService[name])
		if err != nil {
			return nil, warnings, fmt.Errorf("service %s: %w", name, err)
		}
		warnings = append(warnings, w...)
		doc.Services = append(doc.Services, *svc)
	}

	return doc, warnings, nil
}

func importService(name string, http *traefikHTTP, routerNames []string) (*ir.Service, []provider.Warning, error) {
	var warnings []provider.Warning
	ts := http.Services[name]

	svc := &ir.Service{Name: name, Protocol: ir.ProtocolHTTP}

	if ts.Weighted != nil {
		svc.Upstream.LoadBalancer = &ir.LoadBalancer{Algorithm: ir.AlgorithmWeighted}
		for _, ref := range ts.Weighted.Services {
			child := http.Services[ref.Name]
			if child == nil || child.LoadBalancer == nil || len(child.LoadBalancer.Servers) == 0 {
				continue
			}
			t, secure, err := parseServerURL(child.LoadBalancer.Servers[0].URL)
			if err != nil {
				return nil, warnings, err
			}
			t.Weight = ref.Weight
			if secure {
				svc.Protocol = ir.ProtocolHTTPS
			}
			svc.Upstream.Targets = append(svc.Upstream.Targets, t)
			importHealthCheck(child.LoadBalancer.HealthCheck, &svc.Upstream)
		}
	} else if ts.LoadBalancer != nil {
		for _, server := range ts.LoadBalancer.Servers {
			t, secure, err := parseServerURL(server.URL)
			if err != nil {
				return nil, warnings, err
			}
			t.Weight = 1
			if secure {
				svc.Protocol = ir.ProtocolHTTPS
			}
			svc.Upstream.Targets = append(svc.Upstream.Targets, t)
		}
		importHealthCheck(ts.LoadBalancer.HealthCheck, &svc.Upstream)
	}

	var timeout *ir.Timeout
	if st := http.ServersTransports[name+"-transport"]; st != nil && st.ForwardingTimeouts != nil {
		timeout = &ir.Timeout{
			Connect: parseDuration(st.ForwardingTimeouts.DialTimeout),
			Read:    parseDuration(st.ForwardingTimeouts.ResponseHeaderTimeout),
		}
	}

	sort.Strings(routerNames)
	for _, rn := range routerNames {
		router := http.Routers[rn]
		route := ir.Route{PathPrefix: "/"}
		if m := pathPrefixRe.FindStringSubmatch(router.Rule); m != nil {
			route.PathPrefix = m[1]
		}
		for _, m := range methodRe.FindAllStringSubmatch(router.Rule, -1) {
			route.Methods = append(route.Methods, m[1])
		}
		if timeout != nil {
			t := *timeout
			route.Timeout = &t
		}

		w := importMiddlewares(router.Middlewares, http.Middlewares, &route)
		warnings = append(warnings, w...)

		svc.Routes = append(svc.Routes, route)
	}

	return svc, warnings, nil
}

func importHealthCheck(hc *traefikHealthCheck, up *ir.Upstream) {
	if hc == nil || up.HealthCheck != nil {
		return
	}
	up.HealthCheck = &ir.HealthCheck{Active: &ir.ActiveHealthCheck{
		Enabled:  true,
		Path:     hc.Path,
		Interval: parseDuration(hc.Interval),
		Timeout:  parseDuration(hc.Timeout),
	}}
}

func importMiddlewares(names []string, middlewares map[string]*traefikMiddleware, route *ir.Route) []provider.Warning {
	var warnings []provider.Warning

	for _, name := range names {
		mw := middlewares[name]
		if mw == nil {
			warnings = append(warnings, provider.Unsupported(capability.Feature("traefik.middleware"),
				"middleware %q is not defined in this file; dropped", name))
			continue
		}

		switch {
		case mw.BasicAuth != nil:
			auth := &ir.Authentication{Type: ir.AuthBasic, Basic: &ir.BasicAuth{}}
			if len(mw.BasicAuth.Users) > 0 {
				auth.Basic.Users = make(map[string]string, len(mw.BasicAuth.Users))
				for _, entry := range mw.BasicAuth.Users {
					u, pw, ok := strings.Cut(entry, ":")
					if ok {
						auth.Basic.Users[u] = pw
					}
				}
			}
			route.Authentication = auth

		case mw.RateLimit != nil:
			rl := &ir.RateLimit{Enabled: true, Burst: mw.RateLimit.Burst, KeyType: ir.RateLimitKeyRemoteAddr}
			rl.RequestsPerSecond = mw.RateLimit.Average
			if period := parseDuration(mw.RateLimit.Period); period > 0 {
				// average requests per period collapses back to the canonical
				// per-second rate.
				rl.RequestsPerSecond = mw.RateLimit.Average / period
			}
			if sc := mw.RateLimit.SourceCriterion; sc != nil && sc.RequestHeaderName != "" {
				rl.KeyType = ir.RateLimitKeyHeader
				rl.KeyName = sc.RequestHeaderName
			}
			route.RateLimit = rl

		case mw.Headers != nil:
			importHeadersMiddleware(mw.Headers, route)

		case mw.Retry != nil:
			route.Retry = &ir.Retry{
				Enabled:      true,
				Attempts:     mw.Retry.Attempts,
				RetryOn:      []string{ir.RetryOn5xx},
				BaseInterval: parseDuration(mw.Retry.InitialInterval),
			}
			warnings = append(warnings, provider.Partial(capability.Retry,
				"traefik retries carry no condition list; retry_on assumed %s", ir.RetryOn5xx))

		case mw.CircuitBreaker != nil:
			warnings = append(warnings, provider.Partial(capability.CircuitBreaker,
				"breaker expression %q carries no failure threshold; circuit_breaker dropped", mw.CircuitBreaker.Expression))

		default:
			warnings = append(warnings, provider.Unsupported(capability.Feature("traefik.middleware"),
				"middleware %q has no portable equivalent; dropped", name))
		}
	}

	return warnings
}

func importHeadersMiddleware(h *traefikHeaders, route *ir.Route) {
	if len(h.AccessControlAllowOriginList) > 0 {
		route.CORS = &ir.CORS{
			Enabled:          true,
			AllowedOrigins:   h.AccessControlAllowOriginList,
			AllowedMethods:   h.AccessControlAllowMethods,
			AllowedHeaders:   h.AccessControlAllowHeaders,
			AllowCredentials: h.AccessControlAllowCredentials,
			MaxAge:           float64(h.AccessControlMaxAge),
		}
	}

	var hdrs *ir.Headers
	ensure := func() *ir.Headers {
		if hdrs == nil {
			hdrs = &ir.Headers{}
		}
		return hdrs
	}
	for k, v := range h.CustomRequestHeaders {
		if v == "" {
			ensure().RequestRemove = append(ensure().RequestRemove, k)
		} else {
			if ensure().RequestAdd == nil {
				hdrs.RequestAdd = map[string]string{}
			}
			hdrs.RequestAdd[k] = v
		}
	}
	for k, v := range h.CustomResponseHeaders {
		if v == "" {
			ensure().ResponseRemove = append(ensure().ResponseRemove, k)
		} else {
			if ensure().ResponseAdd == nil {
				hdrs.ResponseAdd = map[string]string{}
			}
			hdrs.ResponseAdd[k] = v
		}
	}
	if hdrs != nil {
		sort.Strings(hdrs.RequestRemove)
		sort.Strings(hdrs.ResponseRemove)
		route.Headers = hdrs
	}
}

func parseServerURL(raw string) (ir.Target, bool, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ir.Target{}, false, fmt.Errorf("malformed server url %q: %w", raw, err)
	}
	secure := u.Scheme == "https"
	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return ir.Target{}, false, fmt.Errorf("malformed server url %q: %w", raw, err)
		}
	}
	return ir.Target{Host: u.Hostname(), Port: port}, secure, nil
}

// parseDuration reads a Traefik duration literal; bare numbers are seconds.
func parseDuration(s string) float64 {
	if s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d.Seconds()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return 0
}
