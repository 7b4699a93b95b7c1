package kong

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
	"github.com/wudi/crossgw/internal/units"
)

// Import reverses the declarative mapping best-effort. Constructs with no IR
// equivalent (pre-function scripts, unknown plugins) are dropped with a
// warning, never guessed into IR fields.
func (p *Plugin) Import(data []byte) (*ir.Document, []provider.Warning, error) {
	var cfg kongConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse kong config: %w", err)
	}

	upstreams := make(map[string]*kongUpstream, len(cfg.Upstreams))
	for i := range cfg.Upstreams {
		upstreams[cfg.Upstreams[i].Name] = &cfg.Upstreams[i]
	}
	consumers := make(map[string]*kongConsumer, len(cfg.Consumers))
	for i := range cfg.Consumers {
		consumers[cfg.Consumers[i].Username] = &cfg.Consumers[i]
	}

	doc := &ir.Document{}
	var warnings []provider.Warning

	for i := range cfg.Services {
		ks := &cfg.Services[i]
		svc, w, err := importService(ks, upstreams, consumers)
		if err != nil {
			return nil, warnings, fmt.Errorf("service %s: %w", ks.Name, err)
		}
		warnings = append(warnings, w...)
		doc.Services = append(doc.Services, *svc)
	}

	return doc, warnings, nil
}

func importService(ks *kongService, upstreams map[string]*kongUpstream, consumers map[string]*kongConsumer) (*ir.Service, []provider.Warning, error) {
	var warnings []provider.Warning

	proto := ir.Protocol(ks.Protocol)
	if proto == "" {
		proto = ir.ProtocolHTTP
	}
	svc := &ir.Service{Name: ks.Name, Protocol: proto}

	if ku, ok := upstreams[ks.Host]; ok {
		up, w, err := importUpstream(ku)
		if err != nil {
			return nil, warnings, err
		}
		warnings = append(warnings, w...)
		svc.Upstream = *up
	} else {
		svc.Upstream = ir.Upstream{Host: ks.Host, Port: ks.Port}
	}

	timeout := importTimeouts(ks)
	var retry *ir.Retry
	if ks.Retries != nil && *ks.Retries > 0 {
		retry = &ir.Retry{Enabled: true, Attempts: *ks.Retries, RetryOn: []string{ir.RetryOn5xx}}
		warnings = append(warnings, provider.Partial(capability.Retry,
			"kong retries carry no condition list; retry_on assumed %s", ir.RetryOn5xx))
	}

	for ri := range ks.Routes {
		kr := &ks.Routes[ri]
		route := ir.Route{Methods: kr.Methods}
		if len(kr.Paths) > 0 {
			route.PathPrefix = kr.Paths[0]
		}
		if len(kr.Paths) > 1 {
			warnings = append(warnings, provider.Partial(capability.Headers,
				"route %s declares %d paths; only the first is kept", kr.Name, len(kr.Paths)))
		}
		for _, pr := range kr.Protocols {
			if pr == "ws" || pr == "wss" {
				route.Websocket = &ir.Websocket{Enabled: true}
				break
			}
		}
		// Service-scoped settings surface on every route they govern.
		if timeout != nil {
			t := *timeout
			route.Timeout = &t
		}
		if retry != nil {
			r := *retry
			route.Retry = &r
		}

		w := importRoutePlugins(ks.Name, ri, kr, &route, consumers)
		warnings = append(warnings, w...)

		svc.Routes = append(svc.Routes, route)
	}

	return svc, warnings, nil
}

func importTimeouts(ks *kongService) *ir.Timeout {
	if ks.ConnectTimeout == 0 && ks.ReadTimeout == 0 && ks.WriteTimeout == 0 {
		return nil
	}
	return &ir.Timeout{
		Connect: msToSeconds(ks.ConnectTimeout),
		Read:    msToSeconds(ks.ReadTimeout),
		Send:    msToSeconds(ks.WriteTimeout),
	}
}

func importUpstream(ku *kongUpstream) (*ir.Upstream, []provider.Warning, error) {
	var warnings []provider.Warning
	up := &ir.Upstream{}

	uniform := true
	firstWeight := -1
	for _, kt := range ku.Targets {
		host, portStr, err := net.SplitHostPort(kt.Target)
		if err != nil {
			return nil, warnings, fmt.Errorf("malformed target %q: %w", kt.Target, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, warnings, fmt.Errorf("malformed target port %q: %w", kt.Target, err)
		}
		weight := kt.Weight
		if weight == 0 {
			weight = 1
		}
		if firstWeight == -1 {
			firstWeight = weight
		} else if weight != firstWeight {
			uniform = false
		}
		up.Targets = append(up.Targets, ir.Target{Host: host, Port: port, Weight: weight})
	}

	algo := ir.AlgorithmRoundRobin
	if ku.Algorithm != "" {
		canonical, err := units.UnmapEnum(providerName, units.DomainLBAlgorithm, ku.Algorithm)
		if err != nil {
			warnings = append(warnings, provider.Partial(capability.LBRoundRobin,
				"unknown balancing algorithm %q; defaulting to round_robin", ku.Algorithm))
		} else {
			algo = ir.Algorithm(canonical)
		}
	}
	if ku.HashOn == "ip" {
		algo = ir.AlgorithmIPHash
	} else if algo == ir.AlgorithmRoundRobin && !uniform {
		// Uneven weights under round-robin are kong's spelling of weighted.
		algo = ir.AlgorithmWeighted
	}
	if algo != ir.AlgorithmRoundRobin || !uniform {
		up.LoadBalancer = &ir.LoadBalancer{Algorithm: algo}
	}

	if hc := ku.Healthchecks; hc != nil {
		irhc := &ir.HealthCheck{}
		if a := hc.Active; a != nil {
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
			irhc.Active = active
		}
		if ps := hc.Passive; ps != nil && ps.Unhealthy != nil && ps.Unhealthy.HTTPFailures > 0 {
			// A passive check may be a genuine one or an exported breaker
			// approximation; importing it as a passive check never fabricates.
			irhc.Passive = &ir.PassiveHealthCheck{Enabled: true, MaxFailures: ps.Unhealthy.HTTPFailures}
		}
		if irhc.Active != nil || irhc.Passive != nil {
			up.HealthCheck = irhc
		}
	}

	return up, warnings, nil
}

func importRoutePlugins(svcName string, ri int, kr *kongRoute, route *ir.Route, consumers map[string]*kongConsumer) []provider.Warning {
	var warnings []provider.Warning
	consumer := consumers[fmt.Sprintf("%s-r%d", svcName, ri)]

	for _, pl := range kr.Plugins {
		switch pl.Name {
		case "basic-auth":
			auth := &ir.Authentication{Type: ir.AuthBasic, Basic: &ir.BasicAuth{}}
			if consumer != nil && len(consumer.BasicauthCredentials) > 0 {
				auth.Basic.Users = make(map[string]string, len(consumer.BasicauthCredentials))
				for _, c := range consumer.BasicauthCredentials {
					auth.Basic.Users[c.Username] = c.Password
				}
			}
			route.Authentication = auth

		case "key-auth":
			apiKey := &ir.APIKeyAuth{}
			names := provider.CfgStrings(pl.Config, "key_names")
			inQuery := provider.CfgBool(pl.Config, "key_in_query")
			switch {
			case inQuery && len(names) > 1:
				apiKey.Header = names[0]
				apiKey.QueryParam = names[1]
			case inQuery && len(names) == 1:
				apiKey.QueryParam = names[0]
			case len(names) > 0:
				apiKey.Header = names[0]
			}
			if consumer != nil {
				for _, c := range consumer.KeyauthCredentials {
					apiKey.Keys = append(apiKey.Keys, c.Key)
				}
			}
			route.Authentication = &ir.Authentication{Type: ir.AuthAPIKey, APIKey: apiKey}

		case "jwt":
			jwt := &ir.JWTAuth{}
			if consumer != nil && len(consumer.JWTSecrets) > 0 {
				s := consumer.JWTSecrets[0]
				jwt.Issuer = s.Key
				if s.Algorithm != "" {
					jwt.Algorithms = []string{s.Algorithm}
				}
				jwt.Secret = s.Secret
				jwt.PublicKey = s.RSAPublicKey
			} else {
				warnings = append(warnings, provider.Partial(capability.AuthJWT,
					"jwt plugin on route %s has no matching consumer credentials; key material missing", kr.Name))
			}
			route.Authentication = &ir.Authentication{Type: ir.AuthJWT, JWT: jwt}

		case "rate-limiting":
			rl := &ir.RateLimit{Enabled: true}
			if sec, ok := provider.CfgFloat(pl.Config, "second"); ok {
				rl.RequestsPerSecond = sec
			} else if min, ok := provider.CfgFloat(pl.Config, "minute"); ok {
				rps, _ := units.Convert(min, units.PerMinute, units.PerSecond)
				rl.RequestsPerSecond = rps
			}
			switch provider.CfgString(pl.Config, "limit_by") {
			case "header":
				rl.KeyType = ir.RateLimitKeyHeader
				rl.KeyName = provider.CfgString(pl.Config, "header_name")
			case "consumer":
				rl.KeyType = ir.RateLimitKeyRemoteAddr
				warnings = append(warnings, provider.Partial(capability.RateLimit,
					"limit_by consumer has no portable equivalent; keyed on remote_addr"))
			default:
				rl.KeyType = ir.RateLimitKeyRemoteAddr
			}
			route.RateLimit = rl

		case "cors":
			max, _ := provider.CfgFloat(pl.Config, "max_age")
			route.CORS = &ir.CORS{
				Enabled:          true,
				AllowedOrigins:   provider.CfgStrings(pl.Config, "origins"),
				AllowedMethods:   provider.CfgStrings(pl.Config, "methods"),
				AllowedHeaders:   provider.CfgStrings(pl.Config, "headers"),
				AllowCredentials: provider.CfgBool(pl.Config, "credentials"),
				MaxAge:           max,
			}

		case "proxy-cache":
			ttl, _ := provider.CfgFloat(pl.Config, "cache_ttl")
			route.Cache = &ir.Cache{Enabled: true, TTL: ttl, CacheKey: ir.CacheKeyPathQuery}

		case "request-transformer":
			importRequestTransformer(pl.Config, route)

		case "response-transformer":
			importResponseTransformer(pl.Config, route)

		case "pre-function":
			warnings = append(warnings, provider.Partial(capability.BodyTransform,
				"pre-function Lua script on route %s cannot be mapped back; dropped", kr.Name))

		default:
			warnings = append(warnings, provider.Unsupported(capability.Feature("kong."+pl.Name),
				"plugin %q has no portable equivalent; dropped", pl.Name))
		}
	}

	return warnings
}

func importRequestTransformer(cfg map[string]any, route *ir.Route) {
	if add := provider.CfgMap(cfg, "add"); add != nil {
		if hdrs := splitPairs(provider.CfgStrings(add, "headers")); len(hdrs) > 0 {
			ensureHeaders(route).RequestAdd = hdrs
		}
		if body := splitPairs(provider.CfgStrings(add, "body")); len(body) > 0 {
			ensureRequestTransform(route).AddFields = body
		}
	}
	if rem := provider.CfgMap(cfg, "remove"); rem != nil {
		if hdrs := provider.CfgStrings(rem, "headers"); len(hdrs) > 0 {
			ensureHeaders(route).RequestRemove = hdrs
		}
		if body := provider.CfgStrings(rem, "body"); len(body) > 0 {
			ensureRequestTransform(route).RemoveFields = body
		}
	}
}

func importResponseTransformer(cfg map[string]any, route *ir.Route) {
	if add := provider.CfgMap(cfg, "add"); add != nil {
		if hdrs := splitPairs(provider.CfgStrings(add, "headers")); len(hdrs) > 0 {
			ensureHeaders(route).ResponseAdd = hdrs
		}
	}
	if rem := provider.CfgMap(cfg, "remove"); rem != nil {
		if hdrs := provider.CfgStrings(rem, "headers"); len(hdrs) > 0 {
			ensureHeaders(route).ResponseRemove = hdrs
		}
		if fields := provider.CfgStrings(rem, "json"); len(fields) > 0 {
			if route.BodyTransformation == nil {
				route.BodyTransformation = &ir.BodyTransformation{}
			}
			route.BodyTransformation.Response = &ir.ResponseBodyTransform{FilterFields: fields}
		}
	}
}

func ensureHeaders(route *ir.Route) *ir.Headers {
	if route.Headers == nil {
		route.Headers = &ir.Headers{}
	}
	return route.Headers
}

func ensureRequestTransform(route *ir.Route) *ir.RequestBodyTransform {
	if route.BodyTransformation == nil {
		route.BodyTransformation = &ir.BodyTransformation{}
	}
	if route.BodyTransformation.Request == nil {
		route.BodyTransformation.Request = &ir.RequestBodyTransform{}
	}
	return route.BodyTransformation.Request
}

// splitPairs reverses headerPairs: "Key:value" entries into a map.
func splitPairs(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, ":")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func msToSeconds(ms int) float64 {
	if ms <= 0 {
		return 0
	}
	s, _ := units.Convert(float64(ms), units.Milliseconds, units.Seconds)
	return s
}

