// Package kong maps the IR to Kong's declarative configuration format
// (_format_version 3.0) and back. It is the reference plugin: every mapping
// decision documented here (timeout collapse, breaker-as-passive-check,
// consumer naming) sets the pattern the other plugins follow.
package kong

import (
	"bytes"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"

	"github.com/goccy/go-yaml"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
	"github.com/wudi/crossgw/internal/shim"
	"github.com/wudi/crossgw/internal/units"
)

const providerName = "kong"

// Plugin implements the Kong mapping.
type Plugin struct {
	resolver *shim.Resolver
}

// New creates a Kong plugin. A nil resolver uses production randomness.
func New(resolver *shim.Resolver) *Plugin {
	return &Plugin{resolver: resolver}
}

func init() {
	provider.Register(New(nil))
}

// Name returns the provider identifier.
func (p *Plugin) Name() string { return providerName }

// Export maps an IR document to Kong declarative YAML.
func (p *Plugin) Export(doc *ir.Document) ([]byte, []provider.Warning, error) {
	out := kongConfig{FormatVersion: "3.0"}
	var warnings []provider.Warning

	for i := range doc.Services {
		svc := &doc.Services[i]
		ks, upstream, consumers, w, err := p.exportService(svc)
		if err != nil {
			return nil, warnings, fmt.Errorf("service %s: %w", svc.Name, err)
		}
		warnings = append(warnings, w...)
		out.Services = append(out.Services, *ks)
		if upstream != nil {
			out.Upstreams = append(out.Upstreams, *upstream)
		}
		out.Consumers = append(out.Consumers, consumers...)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf, yaml.Indent(2))
	if err := enc.Encode(out); err != nil {
		return nil, warnings, fmt.Errorf("failed to serialize kong config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, warnings, err
	}
	return buf.Bytes(), warnings, nil
}

func (p *Plugin) exportService(svc *ir.Service) (*kongService, *kongUpstream, []kongConsumer, []provider.Warning, error) {
	var warnings []provider.Warning
	var consumers []kongConsumer

	ks := &kongService{
		Name:     svc.Name,
		Protocol: string(svc.Protocol),
	}

	upstream, w := exportUpstream(svc)
	warnings = append(warnings, w...)
	if upstream != nil {
		ks.Host = upstream.Name
	} else {
		targets := svc.Upstream.AllTargets()
		ks.Host = targets[0].Host
		ks.Port = targets[0].Port
	}

	// Timeouts and retries are service-scoped in Kong; the first route that
	// declares them wins and later conflicting routes raise a warning.
	var appliedTimeout *ir.Timeout
	var appliedRetry *ir.Retry

	for ri := range svc.Routes {
		r := &svc.Routes[ri]
		kr := kongRoute{
			Name:    fmt.Sprintf("%s-r%d", svc.Name, ri),
			Paths:   []string{r.PathPrefix},
			Methods: r.Methods,
		}

		if r.Timeout != nil {
			if appliedTimeout == nil {
				appliedTimeout = r.Timeout
				ks.ConnectTimeout = secondsToMS(r.Timeout.Connect)
				ks.ReadTimeout = secondsToMS(r.Timeout.Read)
				ks.WriteTimeout = secondsToMS(r.Timeout.Send)
			} else if *appliedTimeout != *r.Timeout {
				warnings = append(warnings, provider.Partial(capability.Timeout,
					"timeouts are service-scoped in kong; route %s keeps the first route's values", r.PathPrefix))
			}
		}

		if r.Retry != nil && r.Retry.Enabled {
			if appliedRetry == nil {
				appliedRetry = r.Retry
				retries := r.Retry.Attempts
				ks.Retries = &retries
				warnings = append(warnings, provider.Partial(capability.Retry,
					"retry mapped to service retries=%d; conditions %v are not configurable", r.Retry.Attempts, r.Retry.RetryOn))
				if r.Retry.BaseInterval > 0 || r.Retry.MaxInterval > 0 {
					warnings = append(warnings, provider.Unsupported(capability.RetryBackoff,
						"kong has no backoff control on retries; intervals dropped"))
				}
			} else if appliedRetry.Attempts != r.Retry.Attempts {
				warnings = append(warnings, provider.Partial(capability.Retry,
					"retries are service-scoped in kong; route %s keeps the first route's count", r.PathPrefix))
			}
		}

		if r.Websocket != nil && r.Websocket.Enabled {
			kr.Protocols = []string{"ws", "wss"}
			if r.Websocket.IdleTimeout > 0 {
				warnings = append(warnings, provider.Partial(capability.Websocket,
					"websocket idle_timeout has no kong equivalent; dropped"))
			}
		}

		plugins, cons, w, err := p.exportRoutePolicies(svc, r, ri)
		if err != nil {
			return nil, nil, nil, warnings, err
		}
		warnings = append(warnings, w...)
		consumers = append(consumers, cons...)
		kr.Plugins = plugins

		ks.Routes = append(ks.Routes, kr)
	}

	// A route with no timeout of its own still lives under the promoted
	// service timeout and will carry it after an import.
	if appliedTimeout != nil {
		for ri := range svc.Routes {
			if svc.Routes[ri].Timeout == nil {
				warnings = append(warnings, provider.Partial(capability.Timeout,
					"timeouts are service-scoped in kong; route %s adopts the promoted values", svc.Routes[ri].PathPrefix))
			}
		}
	}

	return ks, upstream, consumers, warnings, nil
}

// exportUpstream emits a kong upstream object when the service needs one:
// multiple targets, an explicit algorithm, health checks or a breaker.
// A plain single-target service addresses the backend directly.
func exportUpstream(svc *ir.Service) (*kongUpstream, []provider.Warning) {
	u := &svc.Upstream
	targets := u.AllTargets()
	needed := len(targets) > 1 || u.LoadBalancer != nil || u.HealthCheck != nil ||
		(u.CircuitBreaker != nil && u.CircuitBreaker.Enabled)
	if !needed {
		return nil, nil
	}

	var warnings []provider.Warning
	ku := &kongUpstream{Name: svc.Name + "-upstream"}

	algo := ir.AlgorithmRoundRobin
	if u.LoadBalancer != nil {
		algo = u.LoadBalancer.Algorithm
	}
	native, err := units.MapEnum(providerName, units.DomainLBAlgorithm, string(algo))
	if err != nil {
		// Unknown algorithms are rejected by the validator; this is a guard.
		native = "round-robin"
	}
	ku.Algorithm = native
	if algo == ir.AlgorithmIPHash {
		ku.HashOn = "ip"
		warnings = append(warnings, provider.Partial(capability.LBIPHash,
			"ip_hash mapped to consistent-hashing keyed on client IP"))
	}

	for _, t := range targets {
		ku.Targets = append(ku.Targets, kongTarget{
			Target: net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
			Weight: t.Weight,
		})
	}

	hc, w := exportHealthchecks(u)
	warnings = append(warnings, w...)
	ku.Healthchecks = hc

	return ku, warnings
}

// exportHealthchecks maps active/passive checks and reconciles the circuit
// breaker into the passive check rather than emitting a duplicate: Kong has
// no dedicated breaker, so the breaker's failure budget becomes the passive
// unhealthy threshold (the stricter value wins when both are configured).
func exportHealthchecks(u *ir.Upstream) (*kongHealthchecks, []provider.Warning) {
	var warnings []provider.Warning
	hc := &kongHealthchecks{}
	used := false

	if u.HealthCheck != nil && u.HealthCheck.Active != nil && u.HealthCheck.Active.Enabled {
		a := u.HealthCheck.Active
		hc.Active = &kongActiveCheck{
			Type:     "http",
			HTTPPath: a.Path,
			Timeout:  a.Timeout,
			Healthy: &kongCheckHealthy{
				Interval:     a.Interval,
				Successes:    a.HealthyThreshold,
				HTTPStatuses: a.HealthyStatus,
			},
			Unhealthy: &kongCheckUnhealthy{
				Interval:     a.Interval,
				HTTPFailures: a.UnhealthyThreshold,
			},
		}
		used = true
	}

	passiveFailures := 0
	if u.HealthCheck != nil && u.HealthCheck.Passive != nil && u.HealthCheck.Passive.Enabled {
		passiveFailures = u.HealthCheck.Passive.MaxFailures
	}
	if u.CircuitBreaker != nil && u.CircuitBreaker.Enabled {
		if passiveFailures == 0 || u.CircuitBreaker.MaxFailures < passiveFailures {
			passiveFailures = u.CircuitBreaker.MaxFailures
		}
		warnings = append(warnings, provider.Partial(capability.CircuitBreaker,
			"circuit_breaker approximated via passive health check failure threshold %d; no dedicated breaker state machine in kong", passiveFailures))
	}
	if passiveFailures > 0 {
		hc.Passive = &kongPassiveCheck{
			Unhealthy: &kongCheckUnhealthy{HTTPFailures: passiveFailures},
		}
		used = true
	}

	if !used {
		return nil, warnings
	}
	return hc, warnings
}

func (p *Plugin) exportRoutePolicies(svc *ir.Service, r *ir.Route, ri int) ([]kongPlugin, []kongConsumer, []provider.Warning, error) {
	var plugins []kongPlugin
	var consumers []kongConsumer
	var warnings []provider.Warning

	if a := r.Authentication; a != nil {
		pl, cons, w := exportAuth(svc, a, ri)
		plugins = append(plugins, pl...)
		consumers = append(consumers, cons...)
		warnings = append(warnings, w...)
	}

	if rl := r.RateLimit; rl != nil && rl.Enabled {
		pl, w := exportRateLimit(rl)
		plugins = append(plugins, pl)
		warnings = append(warnings, w...)
	}

	if c := r.CORS; c != nil && c.Enabled {
		plugins = append(plugins, kongPlugin{
			Name: "cors",
			Config: map[string]any{
				"origins":     c.AllowedOrigins,
				"methods":     c.AllowedMethods,
				"headers":     c.AllowedHeaders,
				"credentials": c.AllowCredentials,
				"max_age":     int(units.RoundHalfUp(c.MaxAge)),
			},
		})
	}

	if c := r.Cache; c != nil && c.Enabled {
		plugins = append(plugins, kongPlugin{
			Name: "proxy-cache",
			Config: map[string]any{
				"strategy":  "memory",
				"cache_ttl": int(units.RoundHalfUp(c.TTL)),
			},
		})
		if c.CacheKey == ir.CacheKeyPath {
			warnings = append(warnings, provider.Partial(capability.Cache,
				"proxy-cache always includes query strings in the cache key; cache_key=path approximated"))
		}
	}

	reqTransform, respTransform, pre, w, err := p.exportTransforms(r)
	if err != nil {
		return nil, nil, warnings, err
	}
	warnings = append(warnings, w...)
	if reqTransform != nil {
		plugins = append(plugins, *reqTransform)
	}
	if respTransform != nil {
		plugins = append(plugins, *respTransform)
	}
	if pre != nil {
		plugins = append(plugins, *pre)
	}

	return plugins, consumers, warnings, nil
}

func exportAuth(svc *ir.Service, a *ir.Authentication, ri int) ([]kongPlugin, []kongConsumer, []provider.Warning) {
	var warnings []provider.Warning
	consumerName := fmt.Sprintf("%s-r%d", svc.Name, ri)

	if a.FailStatus != 0 && a.FailStatus != 401 {
		warnings = append(warnings, provider.Partial(featureForAuth(a.Type),
			"kong auth plugins always reject with 401; fail_status %d dropped", a.FailStatus))
	}
	if a.FailMessage != "" {
		warnings = append(warnings, provider.Partial(featureForAuth(a.Type),
			"custom fail_message is not configurable on kong auth plugins; dropped"))
	}

	switch a.Type {
	case ir.AuthBasic:
		var creds []kongBasicauthCred
		if a.Basic != nil {
			users := make([]string, 0, len(a.Basic.Users))
			for u := range a.Basic.Users {
				users = append(users, u)
			}
			sort.Strings(users)
			for _, u := range users {
				creds = append(creds, kongBasicauthCred{Username: u, Password: a.Basic.Users[u]})
			}
		}
		return []kongPlugin{{Name: "basic-auth"}},
			[]kongConsumer{{Username: consumerName, BasicauthCredentials: creds}},
			warnings

	case ir.AuthAPIKey:
		cfg := map[string]any{}
		var creds []kongKeyauthCred
		if a.APIKey != nil {
			var names []string
			if a.APIKey.Header != "" {
				names = append(names, a.APIKey.Header)
			}
			if a.APIKey.QueryParam != "" {
				names = append(names, a.APIKey.QueryParam)
			}
			cfg["key_names"] = names
			cfg["key_in_query"] = a.APIKey.QueryParam != ""
			for _, k := range a.APIKey.Keys {
				creds = append(creds, kongKeyauthCred{Key: k})
			}
		}
		return []kongPlugin{{Name: "key-auth", Config: cfg}},
			[]kongConsumer{{Username: consumerName, KeyauthCredentials: creds}},
			warnings

	case ir.AuthJWT:
		j := a.JWT
		if j == nil {
			return nil, nil, warnings
		}
		if j.JWKSURI != "" {
			warnings = append(warnings, provider.Partial(capability.AuthJWT,
				"kong's jwt plugin cannot fetch JWKS; provision key material for %s out of band", j.JWKSURI))
			return []kongPlugin{{Name: "jwt"}}, nil, warnings
		}
		if len(j.Audience) > 0 || len(j.RequiredClaims) > 0 {
			warnings = append(warnings, provider.Partial(capability.AuthJWT,
				"kong's jwt plugin verifies exp/nbf only; audience and required_claims dropped"))
		}
		secret := kongJWTSecret{Key: j.Issuer}
		if len(j.Algorithms) > 0 {
			secret.Algorithm = j.Algorithms[0]
		}
		if j.Secret != "" {
			secret.Secret = j.Secret
		} else {
			secret.RSAPublicKey = j.PublicKey
		}
		return []kongPlugin{{Name: "jwt", Config: map[string]any{"claims_to_verify": []string{"exp"}}}},
			[]kongConsumer{{Username: consumerName, JWTSecrets: []kongJWTSecret{secret}}},
			warnings
	}
	return nil, nil, warnings
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

func exportRateLimit(rl *ir.RateLimit) (kongPlugin, []provider.Warning) {
	var warnings []provider.Warning
	cfg := map[string]any{"policy": "local"}

	// Kong's rate-limiting plugin takes integer windows. Whole-number rates
	// use the native per-second window; fractional rates move to the
	// per-minute window, which is pure unit translation and warns nothing.
	if rl.RequestsPerSecond == math.Trunc(rl.RequestsPerSecond) {
		cfg["second"] = int(rl.RequestsPerSecond)
	} else {
		perMin, _ := units.Convert(rl.RequestsPerSecond, units.PerSecond, units.PerMinute)
		cfg["minute"] = int(units.RoundHalfUp(perMin))
	}

	if rl.Burst > 0 {
		warnings = append(warnings, provider.Unsupported(capability.RateLimitBurst,
			"kong's rate-limiting plugin has no burst allowance; burst=%d omitted", rl.Burst))
	}

	switch rl.KeyType {
	case ir.RateLimitKeyHeader:
		cfg["limit_by"] = "header"
		cfg["header_name"] = rl.KeyName
	case ir.RateLimitKeyJWTClaim:
		cfg["limit_by"] = "consumer"
		warnings = append(warnings, provider.Partial(capability.RateLimit,
			"rate limit keyed on jwt claim %q approximated by per-consumer limiting", rl.KeyName))
	default:
		cfg["limit_by"] = "ip"
	}

	return kongPlugin{Name: "rate-limiting", Config: cfg}, warnings
}

// exportTransforms merges header policies and static body fields into
// request/response-transformer plugins; placeholder values need runtime
// evaluation and therefore a pre-function Lua shim.
func (p *Plugin) exportTransforms(r *ir.Route) (reqT, respT, pre *kongPlugin, warnings []provider.Warning, err error) {
	reqCfg := map[string]any{}
	respCfg := map[string]any{}

	if h := r.Headers; h != nil {
		if len(h.RequestAdd) > 0 {
			reqCfg["add"] = map[string]any{"headers": headerPairs(h.RequestAdd)}
		}
		if len(h.RequestRemove) > 0 {
			reqCfg["remove"] = map[string]any{"headers": h.RequestRemove}
		}
		if len(h.ResponseAdd) > 0 {
			respCfg["add"] = map[string]any{"headers": headerPairs(h.ResponseAdd)}
		}
		if len(h.ResponseRemove) > 0 {
			respCfg["remove"] = map[string]any{"headers": h.ResponseRemove}
		}
	}

	if bt := r.BodyTransformation; bt != nil {
		static := map[string]string{}
		placeholders := map[string]string{}
		var removeFields []string
		if bt.Request != nil {
			for k, v := range bt.Request.AddFields {
				if _, ok := shim.AsPlaceholder(v); ok {
					placeholders[k] = v
				} else {
					static[k] = v
				}
			}
			removeFields = bt.Request.RemoveFields
		}

		if len(static) > 0 {
			addCfg, _ := reqCfg["add"].(map[string]any)
			if addCfg == nil {
				addCfg = map[string]any{}
				reqCfg["add"] = addCfg
			}
			addCfg["body"] = headerPairs(static)
		}
		if len(placeholders) == 0 && len(removeFields) > 0 {
			removeCfg, _ := reqCfg["remove"].(map[string]any)
			if removeCfg == nil {
				removeCfg = map[string]any{}
				reqCfg["remove"] = removeCfg
			}
			removeCfg["body"] = removeFields
		}

		if len(placeholders) > 0 {
			script, serr := shim.Generate(shim.KindLuaBodyTransform, shim.Params{
				Runtime:      "kong",
				AddFields:    placeholders,
				RemoveFields: removeFields,
				Resolver:     p.resolver,
			})
			if serr != nil {
				return nil, nil, nil, warnings, serr
			}
			pre = &kongPlugin{Name: "pre-function", Config: map[string]any{"access": []string{script}}}
		}

		if bt.Response != nil && len(bt.Response.FilterFields) > 0 {
			respCfg["remove"] = mergeRemove(respCfg["remove"], bt.Response.FilterFields)
		}

		suffix := ""
		if len(placeholders) > 0 {
			suffix = " and a pre-function Lua shim"
		}
		warnings = append(warnings, provider.Partial(capability.BodyTransform,
			"body_transformation approximated via request/response-transformer%s", suffix))
	}

	if len(reqCfg) > 0 {
		reqT = &kongPlugin{Name: "request-transformer", Config: reqCfg}
	}
	if len(respCfg) > 0 {
		respT = &kongPlugin{Name: "response-transformer", Config: respCfg}
	}
	return reqT, respT, pre, warnings, nil
}

// mergeRemove folds json field removals into an existing remove config.
func mergeRemove(existing any, jsonFields []string) map[string]any {
	out, _ := existing.(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	out["json"] = jsonFields
	return out
}

// headerPairs renders a map as sorted "Key:value" pairs, Kong's transformer
// list syntax. Sorting keeps the export byte-stable.
func headerPairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(m))
	for _, k := range keys {
		out = append(out, k+":"+m[k])
	}
	return out
}

func secondsToMS(s float64) int {
	if s <= 0 {
		return 0
	}
	ms, _ := units.Convert(s, units.Seconds, units.Milliseconds)
	return int(units.RoundHalfUp(ms))
}
