package ir

import (
	"fmt"
	"strings"
)

// Severity classifies a validation finding.
type Severity string

const (
	SeverityFatal    Severity = "fatal"
	SeverityAdvisory Severity = "advisory"
)

// Rule names, used by the driver to downgrade selected findings to advisory.
const (
	RuleServiceName             = "service_name"
	RuleServiceProtocol         = "service_protocol"
	RuleUpstreamTargets         = "upstream_targets"
	RuleTargetHost              = "target_host"
	RuleTargetPort              = "target_port"
	RuleTargetWeight            = "target_weight"
	RuleLBAlgorithm             = "lb_algorithm"
	RuleLBWeightedUniform       = "lb_weighted_uniform"
	RuleHealthCheck             = "health_check"
	RuleCircuitBreaker          = "circuit_breaker"
	RulePathPrefix              = "path_prefix"
	RuleRouteMethods            = "route_methods"
	RuleDuplicateRoute          = "duplicate_route"
	RuleAuthVariant             = "auth_variant"
	RuleJWTKeyMaterial          = "jwt_key_material"
	RuleRateLimitRate           = "rate_limit_rate"
	RuleRateLimitKey            = "rate_limit_key"
	RuleCORSCredentialsWildcard = "cors_credentials_wildcard"
	RuleTimeoutValue            = "timeout_value"
	RuleRetryConfig             = "retry_config"
	RuleCacheTTL                = "cache_ttl"
)

// ValidationError is a single validation finding. Findings never abort
// validation; the full list is returned and the driver decides fatality.
type ValidationError struct {
	Path     string   // offending location, e.g. services[0].routes[2].rate_limit
	Rule     string
	Message  string
	Severity Severity
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// HasFatal reports whether any finding is fatal.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// Validator performs semantic validation of an IR document. Structural
// concerns (types, required fields) are the loader's schema check; the
// validator checks referential integrity, value ranges and mutually
// exclusive options. It never mutates its input.
type Validator struct {
	advisory map[string]bool
}

// NewValidator creates a validator. Rules named in advisoryRules are
// downgraded from fatal to advisory; structural rules cannot be downgraded.
func NewValidator(advisoryRules ...string) *Validator {
	adv := make(map[string]bool, len(advisoryRules))
	for _, r := range advisoryRules {
		adv[r] = true
	}
	return &Validator{advisory: adv}
}

// downgradable rules may be softened to advisory by driver options. The
// CORS wildcard+credentials check is deliberately downgradable only through
// an explicit override; everything structural is not.
var downgradable = map[string]bool{
	RuleCORSCredentialsWildcard: true,
	RuleLBWeightedUniform:       true,
	RuleDuplicateRoute:          true,
}

func (v *Validator) finding(path, rule, format string, args ...any) ValidationError {
	sev := SeverityFatal
	if rule == RuleLBWeightedUniform {
		sev = SeverityAdvisory
	}
	if v.advisory[rule] && downgradable[rule] {
		sev = SeverityAdvisory
	}
	return ValidationError{
		Path:     path,
		Rule:     rule,
		Message:  fmt.Sprintf(format, args...),
		Severity: sev,
	}
}

// Validate checks the whole document and returns every finding.
func (v *Validator) Validate(doc *Document) []ValidationError {
	var errs []ValidationError
	names := make(map[string]bool, len(doc.Services))
	for i := range doc.Services {
		svc := &doc.Services[i]
		path := fmt.Sprintf("services[%d]", i)

		if svc.Name == "" {
			errs = append(errs, v.finding(path+".name", RuleServiceName, "service name is required"))
		} else if names[svc.Name] {
			errs = append(errs, v.finding(path+".name", RuleServiceName, "duplicate service name %q", svc.Name))
		}
		names[svc.Name] = true

		if svc.Protocol != "" && !svc.Protocol.Valid() {
			errs = append(errs, v.finding(path+".protocol", RuleServiceProtocol, "unknown protocol %q", svc.Protocol))
		}

		errs = append(errs, v.validateUpstream(path+".upstream", &svc.Upstream)...)
		errs = append(errs, v.validateRoutes(path, svc.Routes)...)
	}
	return errs
}

func (v *Validator) validateUpstream(path string, u *Upstream) []ValidationError {
	var errs []ValidationError

	targets := u.AllTargets()
	if len(targets) == 0 {
		errs = append(errs, v.finding(path, RuleUpstreamTargets, "upstream must have a host or at least one target"))
	}
	if u.Host != "" && len(u.Targets) > 0 {
		errs = append(errs, v.finding(path, RuleUpstreamTargets, "host and targets are mutually exclusive"))
	}

	totalWeight := 0
	uniform := true
	for i, t := range targets {
		tpath := fmt.Sprintf("%s.targets[%d]", path, i)
		if t.Host == "" {
			errs = append(errs, v.finding(tpath+".host", RuleTargetHost, "target host is required"))
		}
		if t.Port < 1 || t.Port > 65535 {
			errs = append(errs, v.finding(tpath+".port", RuleTargetPort, "port %d out of range [1,65535]", t.Port))
		}
		if t.Weight < 0 {
			errs = append(errs, v.finding(tpath+".weight", RuleTargetWeight, "weight must be non-negative, got %d", t.Weight))
		}
		totalWeight += t.Weight
		if t.Weight != targets[0].Weight {
			uniform = false
		}
	}
	if len(targets) > 0 && totalWeight == 0 && targets[0].Weight == 0 {
		errs = append(errs, v.finding(path+".targets", RuleTargetWeight, "at least one target must have positive weight"))
	}

	if u.LoadBalancer != nil {
		if !u.LoadBalancer.Algorithm.Valid() {
			errs = append(errs, v.finding(path+".load_balancer.algorithm", RuleLBAlgorithm, "unknown algorithm %q", u.LoadBalancer.Algorithm))
		}
		// Uniform weights under "weighted" degenerate to round robin. Valid,
		// but worth a finding since it usually signals a config mistake.
		if u.LoadBalancer.Algorithm == AlgorithmWeighted && uniform && len(targets) > 1 {
			errs = append(errs, v.finding(path+".load_balancer", RuleLBWeightedUniform, "weighted algorithm with uniform weights behaves as round_robin"))
		}
	}

	if u.HealthCheck != nil {
		errs = append(errs, v.validateHealthCheck(path+".health_check", u.HealthCheck)...)
	}

	if u.CircuitBreaker != nil && u.CircuitBreaker.Enabled {
		if u.CircuitBreaker.MaxFailures < 1 {
			errs = append(errs, v.finding(path+".circuit_breaker.max_failures", RuleCircuitBreaker, "max_failures must be >= 1 when enabled"))
		}
		if u.CircuitBreaker.Timeout < 0 {
			errs = append(errs, v.finding(path+".circuit_breaker.timeout", RuleCircuitBreaker, "timeout must be non-negative"))
		}
	}

	return errs
}

func (v *Validator) validateHealthCheck(path string, hc *HealthCheck) []ValidationError {
	var errs []ValidationError
	if hc.Active != nil && hc.Active.Enabled {
		a := hc.Active
		if a.Path == "" {
			errs = append(errs, v.finding(path+".active.path", RuleHealthCheck, "active health check path is required"))
		} else if !strings.HasPrefix(a.Path, "/") {
			errs = append(errs, v.finding(path+".active.path", RuleHealthCheck, "active health check path must begin with /"))
		}
		if a.Interval <= 0 {
			errs = append(errs, v.finding(path+".active.interval", RuleHealthCheck, "interval must be > 0"))
		}
		if a.Timeout < 0 {
			errs = append(errs, v.finding(path+".active.timeout", RuleHealthCheck, "timeout must be non-negative"))
		}
		if a.Timeout > 0 && a.Interval > 0 && a.Timeout > a.Interval {
			errs = append(errs, v.finding(path+".active", RuleHealthCheck, "timeout must not exceed interval"))
		}
		if a.HealthyThreshold < 0 || a.UnhealthyThreshold < 0 {
			errs = append(errs, v.finding(path+".active", RuleHealthCheck, "thresholds must be non-negative"))
		}
		for _, status := range a.HealthyStatus {
			if status < 100 || status > 599 {
				errs = append(errs, v.finding(path+".active.healthy_status", RuleHealthCheck, "%d is not a valid HTTP status code", status))
			}
		}
	}
	if hc.Passive != nil && hc.Passive.Enabled && hc.Passive.MaxFailures < 1 {
		errs = append(errs, v.finding(path+".passive.max_failures", RuleHealthCheck, "max_failures must be >= 1 when enabled"))
	}
	return errs
}

func (v *Validator) validateRoutes(svcPath string, routes []Route) []ValidationError {
	var errs []ValidationError
	type claim struct{ prefix, method string }
	claimed := make(map[claim]bool)
	prefixClaimed := make(map[string]bool)

	for i := range routes {
		r := &routes[i]
		path := fmt.Sprintf("%s.routes[%d]", svcPath, i)

		if r.PathPrefix == "" {
			errs = append(errs, v.finding(path+".path_prefix", RulePathPrefix, "path_prefix is required"))
		} else if !strings.HasPrefix(r.PathPrefix, "/") {
			errs = append(errs, v.finding(path+".path_prefix", RulePathPrefix, "path_prefix must begin with /, got %q", r.PathPrefix))
		}

		for _, m := range r.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				errs = append(errs, v.finding(path+".methods", RuleRouteMethods, "unknown HTTP method %q", m))
			}
		}

		// Overlap detection: an empty method list claims every verb.
		methods := r.Methods
		if len(methods) == 0 {
			methods = []string{"*"}
		}
		for _, m := range methods {
			c := claim{r.PathPrefix, strings.ToUpper(m)}
			if claimed[c] || claimed[claim{r.PathPrefix, "*"}] || (c.method == "*" && prefixClaimed[r.PathPrefix]) {
				errs = append(errs, v.finding(path, RuleDuplicateRoute, "duplicate route for %s %s", c.method, r.PathPrefix))
				break
			}
		}
		for _, m := range methods {
			claimed[claim{r.PathPrefix, strings.ToUpper(m)}] = true
		}
		prefixClaimed[r.PathPrefix] = true

		errs = append(errs, v.validatePolicies(path, r)...)
	}
	return errs
}

func (v *Validator) validatePolicies(path string, r *Route) []ValidationError {
	var errs []ValidationError

	if a := r.Authentication; a != nil {
		apath := path + ".authentication"
		switch a.Type {
		case AuthBasic:
			if a.APIKey != nil || a.JWT != nil {
				errs = append(errs, v.finding(apath, RuleAuthVariant, "type basic must not carry api_key or jwt blocks"))
			}
		case AuthAPIKey:
			if a.APIKey == nil {
				errs = append(errs, v.finding(apath, RuleAuthVariant, "type api_key requires an api_key block"))
			} else if a.APIKey.Header == "" && a.APIKey.QueryParam == "" {
				errs = append(errs, v.finding(apath+".api_key", RuleAuthVariant, "api_key requires a header or query_param"))
			}
		case AuthJWT:
			if a.JWT == nil {
				errs = append(errs, v.finding(apath, RuleAuthVariant, "type jwt requires a jwt block"))
			} else {
				j := a.JWT
				if j.JWKSURI != "" && j.StaticKey() {
					errs = append(errs, v.finding(apath+".jwt", RuleJWTKeyMaterial, "jwks_uri and static key material are mutually exclusive"))
				}
				if j.JWKSURI == "" && !j.StaticKey() {
					errs = append(errs, v.finding(apath+".jwt", RuleJWTKeyMaterial, "jwt requires jwks_uri or static key material"))
				}
				if j.Secret != "" && j.PublicKey != "" {
					errs = append(errs, v.finding(apath+".jwt", RuleJWTKeyMaterial, "secret and public_key are mutually exclusive"))
				}
			}
		default:
			errs = append(errs, v.finding(apath+".type", RuleAuthVariant, "unknown authentication type %q", a.Type))
		}
		if a.FailStatus != 0 && (a.FailStatus < 100 || a.FailStatus > 599) {
			errs = append(errs, v.finding(apath+".fail_status", RuleAuthVariant, "fail_status %d is not a valid HTTP status code", a.FailStatus))
		}
	}

	if rl := r.RateLimit; rl != nil && rl.Enabled {
		rpath := path + ".rate_limit"
		if rl.RequestsPerSecond <= 0 {
			errs = append(errs, v.finding(rpath+".requests_per_second", RuleRateLimitRate, "requests_per_second must be > 0 when enabled"))
		}
		if rl.Burst < 0 {
			errs = append(errs, v.finding(rpath+".burst", RuleRateLimitRate, "burst must be non-negative"))
		}
		switch rl.KeyType {
		case "", RateLimitKeyRemoteAddr:
		case RateLimitKeyJWTClaim, RateLimitKeyHeader:
			if rl.KeyName == "" {
				errs = append(errs, v.finding(rpath+".key_name", RuleRateLimitKey, "key_name is required for key_type %q", rl.KeyType))
			}
		default:
			errs = append(errs, v.finding(rpath+".key_type", RuleRateLimitKey, "unknown key_type %q", rl.KeyType))
		}
	}

	if c := r.CORS; c != nil && c.Enabled {
		cpath := path + ".cors"
		// Wildcard origin with credentials makes the browser send cookies to
		// any origin that asks. Always a misconfiguration; fatal unless the
		// caller explicitly overrides.
		if c.AllowCredentials {
			for _, o := range c.AllowedOrigins {
				if o == "*" {
					errs = append(errs, v.finding(cpath, RuleCORSCredentialsWildcard, "allow_credentials=true is incompatible with wildcard allowed_origins"))
					break
				}
			}
		}
		if c.MaxAge < 0 {
			errs = append(errs, v.finding(cpath+".max_age", RuleTimeoutValue, "max_age must be non-negative"))
		}
		for _, m := range c.AllowedMethods {
			if m != "*" && !validHTTPMethods[strings.ToUpper(m)] {
				errs = append(errs, v.finding(cpath+".allowed_methods", RuleRouteMethods, "unknown HTTP method %q", m))
			}
		}
	}

	if t := r.Timeout; t != nil {
		tpath := path + ".timeout"
		if t.Connect < 0 || t.Read < 0 || t.Send < 0 {
			errs = append(errs, v.finding(tpath, RuleTimeoutValue, "timeout values must be non-negative"))
		}
	}

	if rt := r.Retry; rt != nil && rt.Enabled {
		rpath := path + ".retry"
		if rt.Attempts < 1 {
			errs = append(errs, v.finding(rpath+".attempts", RuleRetryConfig, "attempts must be >= 1 when enabled"))
		}
		if len(rt.RetryOn) == 0 {
			errs = append(errs, v.finding(rpath+".retry_on", RuleRetryConfig, "retry_on must name at least one condition"))
		}
		for _, cond := range rt.RetryOn {
			switch cond {
			case RetryOn502, RetryOn503, RetryOn504, RetryOn5xx:
			default:
				errs = append(errs, v.finding(rpath+".retry_on", RuleRetryConfig, "unknown retry condition %q", cond))
			}
		}
		if rt.BaseInterval < 0 || rt.MaxInterval < 0 {
			errs = append(errs, v.finding(rpath, RuleRetryConfig, "intervals must be non-negative"))
		}
		if rt.MaxInterval > 0 && rt.BaseInterval > rt.MaxInterval {
			errs = append(errs, v.finding(rpath, RuleRetryConfig, "base_interval must not exceed max_interval"))
		}
	}

	if ws := r.Websocket; ws != nil && ws.Enabled && ws.IdleTimeout < 0 {
		errs = append(errs, v.finding(path+".websocket.idle_timeout", RuleTimeoutValue, "idle_timeout must be non-negative"))
	}

	if c := r.Cache; c != nil && c.Enabled {
		if c.TTL <= 0 {
			errs = append(errs, v.finding(path+".cache.ttl", RuleCacheTTL, "ttl must be > 0 when enabled"))
		}
		switch c.CacheKey {
		case "", CacheKeyPath, CacheKeyPathQuery:
		default:
			errs = append(errs, v.finding(path+".cache.cache_key", RuleCacheTTL, "unknown cache_key %q", c.CacheKey))
		}
	}

	return errs
}

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}
