package traefik

// Native model for Traefik's file-provider dynamic configuration, http
// section only. Maps keyed by object name mirror the file format; goccy
// serializes them in key order, which keeps exports stable.

type traefikConfig struct {
	HTTP traefikHTTP `yaml:"http"`
}

type traefikHTTP struct {
	Routers           map[string]*traefikRouter           `yaml:"routers,omitempty"`
	Middlewares       map[string]*traefikMiddleware       `yaml:"middlewares,omitempty"`
	Services          map[string]*traefikService          `yaml:"services,omitempty"`
	ServersTransports map[string]*traefikServersTransport `yaml:"serversTransports,omitempty"`
}

type traefikRouter struct {
	Rule        string   `yaml:"rule"`
	Service     string   `yaml:"service"`
	Middlewares []string `yaml:"middlewares,omitempty"`
}

type traefikMiddleware struct {
	BasicAuth      *traefikBasicAuth      `yaml:"basicAuth,omitempty"`
	RateLimit      *traefikRateLimit      `yaml:"rateLimit,omitempty"`
	Headers        *traefikHeaders        `yaml:"headers,omitempty"`
	Retry          *traefikRetry          `yaml:"retry,omitempty"`
	CircuitBreaker *traefikCircuitBreaker `yaml:"circuitBreaker,omitempty"`
}

type traefikBasicAuth struct {
	Users []string `yaml:"users,omitempty"` // "user:password"
}

type traefikRateLimit struct {
	Average float64 `yaml:"average,omitempty"` // requests per second
	Burst   int     `yaml:"burst,omitempty"`
	Period  string  `yaml:"period,omitempty"`

	SourceCriterion *traefikSourceCriterion `yaml:"sourceCriterion,omitempty"`
}

type traefikSourceCriterion struct {
	RequestHeaderName string             `yaml:"requestHeaderName,omitempty"`
	IPStrategy        *traefikIPStrategy `yaml:"ipStrategy,omitempty"`
}

type traefikIPStrategy struct {
	Depth int `yaml:"depth,omitempty"`
}

type traefikHeaders struct {
	CustomRequestHeaders  map[string]string `yaml:"customRequestHeaders,omitempty"`
	CustomResponseHeaders map[string]string `yaml:"customResponseHeaders,omitempty"`

	AccessControlAllowOriginList  []string `yaml:"accessControlAllowOriginList,omitempty"`
	AccessControlAllowMethods     []string `yaml:"accessControlAllowMethods,omitempty"`
	AccessControlAllowHeaders     []string `yaml:"accessControlAllowHeaders,omitempty"`
	AccessControlAllowCredentials bool     `yaml:"accessControlAllowCredentials,omitempty"`
	AccessControlMaxAge           int      `yaml:"accessControlMaxAge,omitempty"` // seconds
}

type traefikRetry struct {
	Attempts        int    `yaml:"attempts"`
	InitialInterval string `yaml:"initialInterval,omitempty"`
}

type traefikCircuitBreaker struct {
	Expression string `yaml:"expression"`
}

type traefikService struct {
	LoadBalancer *traefikLoadBalancer `yaml:"loadBalancer,omitempty"`
	Weighted     *traefikWeighted     `yaml:"weighted,omitempty"`
}

type traefikLoadBalancer struct {
	Servers          []traefikServer     `yaml:"servers,omitempty"`
	HealthCheck      *traefikHealthCheck `yaml:"healthCheck,omitempty"`
	ServersTransport string              `yaml:"serversTransport,omitempty"`
}

type traefikServer struct {
	URL string `yaml:"url"`
}

type traefikHealthCheck struct {
	Path     string `yaml:"path,omitempty"`
	Interval string `yaml:"interval,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`
}

type traefikWeighted struct {
	Services []traefikWeightedRef `yaml:"services"`
}

type traefikWeightedRef struct {
	Name   string `yaml:"name"`
	Weight int    `yaml:"weight"`
}

type traefikServersTransport struct {
	ForwardingTimeouts *traefikForwardingTimeouts `yaml:"forwardingTimeouts,omitempty"`
}

type traefikForwardingTimeouts struct {
	DialTimeout           string `yaml:"dialTimeout,omitempty"`
	ResponseHeaderTimeout string `yaml:"responseHeaderTimeout,omitempty"`
}
