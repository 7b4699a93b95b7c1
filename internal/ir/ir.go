// Package ir defines the provider-neutral intermediate representation of a
// gateway configuration. The IR is pure data: services own their upstream and
// routes, routes own at most one instance of each cross-cutting policy, and
// the whole graph is built once per compilation and discarded afterwards.
//
// Canonical units throughout: durations in seconds (fractional allowed),
// rates in requests per second, sizes in bytes.
package ir

import "strings"

// Protocol is the service-facing protocol.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolGRPC  Protocol = "grpc"
	ProtocolGRPCS Protocol = "grpcs"
	ProtocolWS    Protocol = "ws"
	ProtocolWSS   Protocol = "wss"
)

// Algorithm is a load balancing algorithm.
type Algorithm string

const (
	AlgorithmRoundRobin Algorithm = "round_robin"
	AlgorithmLeastConn  Algorithm = "least_conn"
	AlgorithmIPHash     Algorithm = "ip_hash"
	AlgorithmWeighted   Algorithm = "weighted"
)

// AuthType selects an authentication variant.
type AuthType string

const (
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "api_key"
	AuthJWT    AuthType = "jwt"
)

// RateLimitKey selects what a rate limit counter is keyed on.
type RateLimitKey string

const (
	RateLimitKeyRemoteAddr RateLimitKey = "remote_addr"
	RateLimitKeyJWTClaim   RateLimitKey = "jwt_claim"
	RateLimitKeyHeader     RateLimitKey = "header"
)

// Document is a complete IR configuration artifact.
type Document struct {
	Services []Service `yaml:"services" json:"services"`
}

// Service is a named backend API exposed through the gateway.
type Service struct {
	Name     string   `yaml:"name" json:"name"`
	Protocol Protocol `yaml:"protocol" json:"protocol"`
	Upstream Upstream `yaml:"upstream" json:"upstream"`
	Routes   []Route  `yaml:"routes" json:"routes"`
}

// Target is a single weighted backend address.
type Target struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Weight int    `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// Upstream is the backend pool of a service. Either the Host/Port shorthand
// or the Targets list is populated; AllTargets folds the shorthand away.
type Upstream struct {
	Host    string   `yaml:"host,omitempty" json:"host,omitempty"`
	Port    int      `yaml:"port,omitempty" json:"port,omitempty"`
	Targets []Target `yaml:"targets,omitempty" json:"targets,omitempty"`

	LoadBalancer   *LoadBalancer   `yaml:"load_balancer,omitempty" json:"load_balancer,omitempty"`
	HealthCheck    *HealthCheck    `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	CircuitBreaker *CircuitBreaker `yaml:"circuit_breaker,omitempty" json:"circuit_breaker,omitempty"`
}

// AllTargets returns the upstream's targets, folding the single host:port
// shorthand into a one-element slice with weight 1.
func (u *Upstream) AllTargets() []Target {
	if len(u.Targets) > 0 {
		return u.Targets
	}
	if u.Host != "" {
		return []Target{{Host: u.Host, Port: u.Port, Weight: 1}}
	}
	return nil
}

// LoadBalancer selects the balancing algorithm for a multi-target upstream.
type LoadBalancer struct {
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`
}

// HealthCheck groups the independent active and passive checks. Either, both
// or neither may be enabled.
type HealthCheck struct {
	Active  *ActiveHealthCheck  `yaml:"active,omitempty" json:"active,omitempty"`
	Passive *PassiveHealthCheck `yaml:"passive,omitempty" json:"passive,omitempty"`
}

// ActiveHealthCheck probes targets on a timer. An empty HealthyStatus list
// means the provider's default acceptance window (2xx-3xx).
type ActiveHealthCheck struct {
	Enabled            bool    `yaml:"enabled" json:"enabled"`
	Path               string  `yaml:"path,omitempty" json:"path,omitempty"`
	Interval           float64 `yaml:"interval,omitempty" json:"interval,omitempty"` // seconds
	Timeout            float64 `yaml:"timeout,omitempty" json:"timeout,omitempty"`   // seconds
	HealthyThreshold   int     `yaml:"healthy_threshold,omitempty" json:"healthy_threshold,omitempty"`
	UnhealthyThreshold int     `yaml:"unhealthy_threshold,omitempty" json:"unhealthy_threshold,omitempty"`
	HealthyStatus      []int   `yaml:"healthy_status,omitempty" json:"healthy_status,omitempty"`
}

// PassiveHealthCheck observes live traffic for failures.
type PassiveHealthCheck struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	MaxFailures int  `yaml:"max_failures,omitempty" json:"max_failures,omitempty"`
}

// CircuitBreaker trips an upstream after consecutive failures. Providers
// without a dedicated breaker approximate it through passive health checking;
// the mapper reconciles the two rather than emitting both.
type CircuitBreaker struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	MaxFailures int     `yaml:"max_failures,omitempty" json:"max_failures,omitempty"`
	Timeout     float64 `yaml:"timeout,omitempty" json:"timeout,omitempty"` // seconds open before retrying
}

// Route matches requests by path prefix (and optionally methods) and carries
// at most one instance of each cross-cutting policy.
type Route struct {
	PathPrefix string   `yaml:"path_prefix" json:"path_prefix"`
	Methods    []string `yaml:"methods,omitempty" json:"methods,omitempty"` // empty = all

	Authentication     *Authentication     `yaml:"authentication,omitempty" json:"authentication,omitempty"`
	RateLimit          *RateLimit          `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	CORS               *CORS               `yaml:"cors,omitempty" json:"cors,omitempty"`
	Timeout            *Timeout            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry              *Retry              `yaml:"retry,omitempty" json:"retry,omitempty"`
	Websocket          *Websocket          `yaml:"websocket,omitempty" json:"websocket,omitempty"`
	Headers            *Headers            `yaml:"headers,omitempty" json:"headers,omitempty"`
	BodyTransformation *BodyTransformation `yaml:"body_transformation,omitempty" json:"body_transformation,omitempty"`
	Cache              *Cache              `yaml:"cache,omitempty" json:"cache,omitempty"`
}

// Authentication is a tagged variant over basic, api_key and jwt.
type Authentication struct {
	Type   AuthType    `yaml:"type" json:"type"`
	Basic  *BasicAuth  `yaml:"basic,omitempty" json:"basic,omitempty"`
	APIKey *APIKeyAuth `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	JWT    *JWTAuth    `yaml:"jwt,omitempty" json:"jwt,omitempty"`

	FailStatus  int    `yaml:"fail_status,omitempty" json:"fail_status,omitempty"`
	FailMessage string `yaml:"fail_message,omitempty" json:"fail_message,omitempty"`
}

// BasicAuth carries static username/password credentials.
type BasicAuth struct {
	Users map[string]string `yaml:"users,omitempty" json:"users,omitempty"`
}

// APIKeyAuth validates a key carried in a header or query parameter.
type APIKeyAuth struct {
	Header     string   `yaml:"header,omitempty" json:"header,omitempty"`
	QueryParam string   `yaml:"query_param,omitempty" json:"query_param,omitempty"`
	Keys       []string `yaml:"keys,omitempty" json:"keys,omitempty"`
}

// JWTAuth validates bearer tokens. Exactly one of JWKSURI or the static key
// material (Secret / PublicKey) must be set.
type JWTAuth struct {
	Issuer         string            `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience       []string          `yaml:"audience,omitempty" json:"audience,omitempty"`
	JWKSURI        string            `yaml:"jwks_uri,omitempty" json:"jwks_uri,omitempty"`
	Secret         string            `yaml:"secret,omitempty" json:"secret,omitempty"`
	PublicKey      string            `yaml:"public_key,omitempty" json:"public_key,omitempty"`
	Algorithms     []string          `yaml:"algorithms,omitempty" json:"algorithms,omitempty"`
	RequiredClaims map[string]string `yaml:"required_claims,omitempty" json:"required_claims,omitempty"`
}

// StaticKey reports whether static key material is configured.
func (j *JWTAuth) StaticKey() bool {
	return j.Secret != "" || j.PublicKey != ""
}

// RateLimit throttles requests. RequestsPerSecond is the canonical rate unit;
// providers with coarser native windows receive a converted value.
type RateLimit struct {
	Enabled           bool         `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64      `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`
	Burst             int          `yaml:"burst,omitempty" json:"burst,omitempty"`
	KeyType           RateLimitKey `yaml:"key_type,omitempty" json:"key_type,omitempty"`
	KeyName           string       `yaml:"key_name,omitempty" json:"key_name,omitempty"` // claim or header name
}

// CORS configures cross-origin resource sharing headers.
type CORS struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
	AllowedMethods   []string `yaml:"allowed_methods,omitempty" json:"allowed_methods,omitempty"`
	AllowedHeaders   []string `yaml:"allowed_headers,omitempty" json:"allowed_headers,omitempty"`
	AllowCredentials bool     `yaml:"allow_credentials,omitempty" json:"allow_credentials,omitempty"`
	MaxAge           float64  `yaml:"max_age,omitempty" json:"max_age,omitempty"` // seconds
}

// Timeout bounds the connect/read/send phases of an upstream exchange.
type Timeout struct {
	Connect float64 `yaml:"connect,omitempty" json:"connect,omitempty"` // seconds
	Read    float64 `yaml:"read,omitempty" json:"read,omitempty"`       // seconds
	Send    float64 `yaml:"send,omitempty" json:"send,omitempty"`       // seconds
}

// Retry condition symbols understood by RetryOn.
const (
	RetryOn502 = "http_502"
	RetryOn503 = "http_503"
	RetryOn504 = "http_504"
	RetryOn5xx = "http_5xx"
)

// Retry re-attempts failed upstream exchanges.
type Retry struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Attempts     int      `yaml:"attempts,omitempty" json:"attempts,omitempty"`
	RetryOn      []string `yaml:"retry_on,omitempty" json:"retry_on,omitempty"`
	BaseInterval float64  `yaml:"base_interval,omitempty" json:"base_interval,omitempty"` // seconds
	MaxInterval  float64  `yaml:"max_interval,omitempty" json:"max_interval,omitempty"`   // seconds
}

// Websocket enables protocol upgrade on a route.
type Websocket struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	IdleTimeout float64 `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"` // seconds
}

// Headers adds and removes request/response headers.
type Headers struct {
	RequestAdd     map[string]string `yaml:"request_add,omitempty" json:"request_add,omitempty"`
	RequestRemove  []string          `yaml:"request_remove,omitempty" json:"request_remove,omitempty"`
	ResponseAdd    map[string]string `yaml:"response_add,omitempty" json:"response_add,omitempty"`
	ResponseRemove []string          `yaml:"response_remove,omitempty" json:"response_remove,omitempty"`
}

// BodyTransformation mutates JSON bodies in flight. AddFields values may use
// the closed placeholder vocabulary ({{uuid}}, {{now}}, {{timestamp}}),
// resolved into provider-native expression syntax at generation time.
type BodyTransformation struct {
	Request  *RequestBodyTransform  `yaml:"request,omitempty" json:"request,omitempty"`
	Response *ResponseBodyTransform `yaml:"response,omitempty" json:"response,omitempty"`
}

// RequestBodyTransform adds and removes fields on request bodies.
type RequestBodyTransform struct {
	AddFields    map[string]string `yaml:"add_fields,omitempty" json:"add_fields,omitempty"`
	RemoveFields []string          `yaml:"remove_fields,omitempty" json:"remove_fields,omitempty"`
}

// ResponseBodyTransform strips fields from response bodies.
type ResponseBodyTransform struct {
	FilterFields []string `yaml:"filter_fields,omitempty" json:"filter_fields,omitempty"`
}

// Cache key strategies.
const (
	CacheKeyPath      = "path"
	CacheKeyPathQuery = "path_query"
)

// Cache enables response caching on a route.
type Cache struct {
	Enabled  bool    `yaml:"enabled" json:"enabled"`
	TTL      float64 `yaml:"ttl,omitempty" json:"ttl,omitempty"` // seconds
	CacheKey string  `yaml:"cache_key,omitempty" json:"cache_key,omitempty"`
}

// Service lookup helpers used by plugins during import reconciliation.

// FindService returns the service with the given name, or nil.
func (d *Document) FindService(name string) *Service {
	for i := range d.Services {
		if d.Services[i].Name == name {
			return &d.Services[i]
		}
	}
	return nil
}

// IsSecure reports whether the protocol is TLS-carrying.
func (p Protocol) IsSecure() bool {
	return p == ProtocolHTTPS || p == ProtocolGRPCS || p == ProtocolWSS
}

// Valid reports whether the protocol is a known value.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolGRPC, ProtocolGRPCS, ProtocolWS, ProtocolWSS:
		return true
	}
	return false
}

// Valid reports whether the algorithm is a known value.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmRoundRobin, AlgorithmLeastConn, AlgorithmIPHash, AlgorithmWeighted:
		return true
	}
	return false
}

// NormalizeMethods upper-cases and de-duplicates an HTTP method list,
// preserving first-seen order.
func NormalizeMethods(methods []string) []string {
	if len(methods) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(methods))
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		u := strings.ToUpper(strings.TrimSpace(m))
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
