package apisix

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
	"github.com/wudi/crossgw/internal/units"
)

// Import reverses the standalone config mapping best-effort. Serverless Lua
// functions and unknown plugins are dropped with a warning.
func (p *Plugin) Import(data []byte) (*ir.Document, []provider.Warning, error) {
	var cfg apisixConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse apisix config: %w", err)
	}

	consumers := make(map[string]*apisixConsumer, len(cfg.Consumers))
	for i := range cfg.Consumers {
		consumers[cfg.Consumers[i].Username] = &cfg.Consumers[i]
	}

	// Routes group into services by upstream reference, keeping upstream
	// declaration order.
	routesByUpstream := make(map[string][]*apisixRoute)
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		routesByUpstream[r.UpstreamID] = append(routesByUpstream[r.UpstreamID], r)
	}

	doc := &ir.Document{}
	var warnings []provider.Warning

	for i := range cfg.Upstreams {
		au := &cfg.Upstreams[i]
		svc, w := importService(au, routesByUpstream[au.ID], consumers)
		warnings = append(warnings, w...)
		doc.Services = append(doc.Services, *svc)
	}

	return doc, warnings, nil
}

func importService(au *apisixUpstream, routes []*apisixRoute, consumers map[string]*apisixConsumer) (*ir.Service, []provider.Warning) {
	var warnings []provider.Warning

	name := au.Name
	if name == "" {
		name = au.ID
	}
	svc := &ir.Service{Name: name, Protocol: protocolForScheme(au.Scheme)}

	up, w := importUpstream(au)
	warnings = append(warnings, w...)
	svc.Upstream = *up

	var retry *ir.Retry
	if au.Retries != nil && *au.Retries > 0 {
		retry = &ir.Retry{Enabled: true, Attempts: *au.Retries, RetryOn: []string{ir.RetryOn5xx}}
		warnings = append(warnings, provider.Partial(capability.Retry,
			"apisix retries carry no condition list; retry_on assumed %s", ir.RetryOn5xx))
	}

	for _, ar := range routes {
		route := ir.Route{Methods: ar.Methods}
		if len(ar.URIs) > 0 {
			route.PathPrefix = prefixFromURI(ar.URIs[0])
		}
		if ar.EnableWebsocket {
			route.Websocket = &ir.Websocket{Enabled: true}
		}
		if t := ar.Timeout; t != nil {
			route.Timeout = &ir.Timeout{Connect: t.Connect, Send: t.Send, Read: t.Read}
		}
		if retry != nil {
			r := *retry
			route.Retry = &r
		}

		w := importRoutePlugins(svc, ar, &route, consumers)
		warnings = append(warnings, w...)

		svc.Routes = append(svc.Routes, route)
	}

	return svc, warnings
}

func protocolForScheme(scheme string) ir.Protocol {
	switch scheme {
	case "https":
		return ir.ProtocolHTTPS
	case "grpc":
		return ir.ProtocolGRPC
	case "grpcs":
		return ir.ProtocolGRPCS
	default:
		return ir.ProtocolHTTP
	}
}

func prefixFromURI(uri string) string {
	trimmed := strings.TrimSuffix(uri, "*")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

func importUpstream(au *apisixUpstream) (*ir.Upstream, []provider.Warning) {
	var warnings []provider.Warning
	up := &ir.Upstream{}

	uniform := true
	firstWeight := -1
	for _, n := range au.Nodes {
		weight := n.Weight
		if weight == 0 {
			weight = 1
		}
		if firstWeight == -1 {
			firstWeight = weight
		} else if weight != firstWeight {
			uniform = false
		}
		up.Targets = append(up.Targets, ir.Target{Host: n.Host, Port: n.Port, Weight: weight})
	}

	algo := ir.AlgorithmRoundRobin
	if au.Type != "" {
		canonical, err := units.UnmapEnum(providerName, units.DomainLBAlgorithm, au.Type)
		if err != nil {
			warnings = append(warnings, provider.Partial(capability.LBRoundRobin,
				"unknown balancing algorithm %q; defaulting to round_robin", au.Type))
		} else {
			algo = ir.Algorithm(canonical)
		}
	}
	if algo == ir.AlgorithmRoundRobin && !uniform {
		algo = ir.AlgorithmWeighted
	}
	if algo != ir.AlgorithmRoundRobin || !uniform {
		up.LoadBalancer = &ir.LoadBalancer{Algorithm: algo}
	}

	if c := au.Checks; c != nil {
		hc := &ir.HealthCheck{}
		if a := c.Active; a != nil {
			active := &ir.ActiveHealthCheck{Enabled: true, Path: a.HTTPPath, Timeout: a.Timeout}
			if a.Healthy != nil {
				active.Interval = a.Healthy.Interval
				active.HealthyThreshold = a.Healthy.Successes
				active.HealthyStatus = a.Healthy.HTTPStatuses
			}
			if a.Unhealthy != nil {
				if active.Interval == 0 {
					active.Interval = a.Unhealthy.Interval
				}
				active.UnhealthyThreshold = a.Unhealthy.HTTPFailures
			}
			hc.Active = active
		}
		if ps := c.Passive; ps != nil && ps.Unhealthy != nil && ps.Unhealthy.HTTPFailures > 0 {
			hc.Passive = &ir.PassiveHealthCheck{Enabled: true, MaxFailures: ps.Unhealthy.HTTPFailures}
		}
		if hc.Active != nil || hc.Passive != nil {
			up.HealthCheck = hc
		}
	}

	return up, warnings
}

func importRoutePlugins(svc *ir.Service, ar *apisixRoute, route *ir.Route, consumers map[string]*apisixConsumer) []provider.Warning {
	var warnings []provider.Warning
	base := consumerNameSanitizer.Replace(ar.ID)

	// Plugin maps are unordered; iterate names sorted so warnings are stable.
	names := make([]string, 0, len(ar.Plugins))
	for n := range ar.Plugins {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := provider.CfgMap(ar.Plugins, name)
		switch name {
		case "basic-auth":
			auth := &ir.Authentication{Type: ir.AuthBasic, Basic: &ir.BasicAuth{}}
			users := collectConsumers(consumers, base+"_u")
			if len(users) > 0 {
				auth.Basic.Users = make(map[string]string, len(users))
				for _, c := range users {
					cred := provider.CfgMap(c.Plugins, "basic-auth")
					u := provider.CfgString(cred, "username")
					if u != "" {
						auth.Basic.Users[u] = provider.CfgString(cred, "password")
					}
				}
			}
			route.Authentication = auth

		case "key-auth":
			apiKey := &ir.APIKeyAuth{
				Header:     provider.CfgString(cfg, "header"),
				QueryParam: provider.CfgString(cfg, "query"),
			}
			for _, c := range collectConsumers(consumers, base+"_k") {
				cred := provider.CfgMap(c.Plugins, "key-auth")
				if k := provider.CfgString(cred, "key"); k != "" {
					apiKey.Keys = append(apiKey.Keys, k)
				}
			}
			route.Authentication = &ir.Authentication{Type: ir.AuthAPIKey, APIKey: apiKey}

		case "jwt-auth":
			jwt := &ir.JWTAuth{}
			if c, ok := consumers[base]; ok {
				cred := provider.CfgMap(c.Plugins, "jwt-auth")
				jwt.Issuer = provider.CfgString(cred, "key")
				if alg := provider.CfgString(cred, "algorithm"); alg != "" {
					jwt.Algorithms = []string{alg}
				}
				jwt.Secret = provider.CfgString(cred, "secret")
				jwt.PublicKey = provider.CfgString(cred, "public_key")
			} else {
				warnings = append(warnings, provider.Partial(capability.AuthJWT,
					"jwt-auth on route %s has no matching consumer credentials; key material missing", ar.ID))
			}
			route.Authentication = &ir.Authentication{Type: ir.AuthJWT, JWT: jwt}

		case "limit-req":
			rl := &ir.RateLimit{Enabled: true, Burst: provider.CfgInt(cfg, "burst")}
			rl.RequestsPerSecond, _ = provider.CfgFloat(cfg, "rate")
			switch key := provider.CfgString(cfg, "key"); {
			case key == "consumer_name":
				rl.KeyType = ir.RateLimitKeyRemoteAddr
				warnings = append(warnings, provider.Partial(capability.RateLimit,
					"limit-req keyed on consumer_name has no portable equivalent; keyed on remote_addr"))
			case strings.HasPrefix(key, "http_"):
				rl.KeyType = ir.RateLimitKeyHeader
				rl.KeyName = strings.ReplaceAll(strings.TrimPrefix(key, "http_"), "_", "-")
			default:
				rl.KeyType = ir.RateLimitKeyRemoteAddr
			}
			route.RateLimit = rl

		case "cors":
			max, _ := provider.CfgFloat(cfg, "max_age")
			route.CORS = &ir.CORS{
				Enabled:          true,
				AllowedOrigins:   splitList(provider.CfgString(cfg, "allow_origins")),
				AllowedMethods:   splitList(provider.CfgString(cfg, "allow_methods")),
				AllowedHeaders:   splitList(provider.CfgString(cfg, "allow_headers")),
				AllowCredentials: provider.CfgBool(cfg, "allow_credential"),
				MaxAge:           max,
			}

		case "proxy-cache":
			ttl, _ := provider.CfgFloat(cfg, "cache_ttl")
			key := ir.CacheKeyPath
			for _, v := range provider.CfgStrings(cfg, "cache_key") {
				if v == "$args" {
					key = ir.CacheKeyPathQuery
				}
			}
			route.Cache = &ir.Cache{Enabled: true, TTL: ttl, CacheKey: key}

		case "proxy-rewrite":
			hdrs := provider.CfgMap(cfg, "headers")
			if add := provider.CfgStringMap(hdrs, "set"); len(add) > 0 {
				ensureHeaders(route).RequestAdd = add
			}
			if rem := provider.CfgStrings(hdrs, "remove"); len(rem) > 0 {
				ensureHeaders(route).RequestRemove = rem
			}

		case "response-rewrite":
			hdrs := provider.CfgMap(cfg, "headers")
			if add := provider.CfgStringMap(hdrs, "set"); len(add) > 0 {
				ensureHeaders(route).ResponseAdd = add
			}
			if rem := provider.CfgStrings(hdrs, "remove"); len(rem) > 0 {
				ensureHeaders(route).ResponseRemove = rem
			}

		case "api-breaker":
			if svc.Upstream.CircuitBreaker == nil {
				unhealthy := provider.CfgMap(cfg, "unhealthy")
				svc.Upstream.CircuitBreaker = &ir.CircuitBreaker{
					Enabled:     true,
					MaxFailures: provider.CfgInt(unhealthy, "failures"),
					Timeout:     float64(provider.CfgInt(cfg, "max_breaker_sec")),
				}
			}

		case "serverless-pre-function", "serverless-post-function":
			warnings = append(warnings, provider.Partial(capability.BodyTransform,
				"%s Lua on route %s cannot be mapped back; dropped", name, ar.ID))

		default:
			warnings = append(warnings, provider.Unsupported(capability.Feature("apisix."+name),
				"plugin %q has no portable equivalent; dropped", name))
		}
	}

	return warnings
}

// collectConsumers returns consumers whose username starts with prefix,
// sorted by name so numbered suffixes come back in declaration order.
func collectConsumers(consumers map[string]*apisixConsumer, prefix string) []*apisixConsumer {
	var out []*apisixConsumer
	for name, c := range consumers {
		if strings.HasPrefix(name, prefix) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func ensureHeaders(route *ir.Route) *ir.Headers {
	if route.Headers == nil {
		route.Headers = &ir.Headers{}
	}
	return route.Headers
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
