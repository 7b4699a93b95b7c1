package kong

// Native declarative config model, the subset of Kong's 3.x decl format the
// mapper reads and writes. Field order follows Kong's own documentation so
// emitted files diff cleanly against hand-written ones.

type kongConfig struct {
	FormatVersion string         `yaml:"_format_version"`
	Services      []kongService  `yaml:"services,omitempty"`
	Upstreams     []kongUpstream `yaml:"upstreams,omitempty"`
	Consumers     []kongConsumer `yaml:"consumers,omitempty"`
}

type kongService struct {
	Name           string       `yaml:"name"`
	Protocol       string       `yaml:"protocol,omitempty"`
	Host           string       `yaml:"host"`
	Port           int          `yaml:"port,omitempty"`
	Retries        *int         `yaml:"retries,omitempty"`
	ConnectTimeout int          `yaml:"connect_timeout,omitempty"` // milliseconds
	ReadTimeout    int          `yaml:"read_timeout,omitempty"`    // milliseconds
	WriteTimeout   int          `yaml:"write_timeout,omitempty"`   // milliseconds
	Routes         []kongRoute  `yaml:"routes,omitempty"`
	Plugins        []kongPlugin `yaml:"plugins,omitempty"`
}

type kongRoute struct {
	Name      string       `yaml:"name"`
	Paths     []string     `yaml:"paths,omitempty"`
	Methods   []string     `yaml:"methods,omitempty"`
	Protocols []string     `yaml:"protocols,omitempty"`
	Plugins   []kongPlugin `yaml:"plugins,omitempty"`
}

type kongPlugin struct {
	Name   string         `yaml:"name"`
	Config map[string]any `yaml:"config,omitempty"`
}

type kongUpstream struct {
	Name         string            `yaml:"name"`
	Algorithm    string            `yaml:"algorithm,omitempty"`
	HashOn       string            `yaml:"hash_on,omitempty"`
	Targets      []kongTarget      `yaml:"targets,omitempty"`
	Healthchecks *kongHealthchecks `yaml:"healthchecks,omitempty"`
}

type kongTarget struct {
	Target string `yaml:"target"` // host:port
	Weight int    `yaml:"weight,omitempty"`
}

type kongHealthchecks struct {
	Active  *kongActiveCheck  `yaml:"active,omitempty"`
	Passive *kongPassiveCheck `yaml:"passive,omitempty"`
}

type kongActiveCheck struct {
	Type      string             `yaml:"type,omitempty"`
	HTTPPath  string             `yaml:"http_path,omitempty"`
	Timeout   float64            `yaml:"timeout,omitempty"` // seconds
	Healthy   *kongCheckHealthy  `yaml:"healthy,omitempty"`
	Unhealthy *kongCheckUnhealthy `yaml:"unhealthy,omitempty"`
}

type kongPassiveCheck struct {
	Healthy   *kongCheckHealthy   `yaml:"healthy,omitempty"`
	Unhealthy *kongCheckUnhealthy `yaml:"unhealthy,omitempty"`
}

type kongCheckHealthy struct {
	Interval     float64 `yaml:"interval,omitempty"` // seconds
	Successes    int     `yaml:"successes,omitempty"`
	HTTPStatuses []int   `yaml:"http_statuses,omitempty"`
}

type kongCheckUnhealthy struct {
	Interval     float64 `yaml:"interval,omitempty"` // seconds
	HTTPFailures int     `yaml:"http_failures,omitempty"`
}

type kongConsumer struct {
	Username             string              `yaml:"username"`
	KeyauthCredentials   []kongKeyauthCred   `yaml:"keyauth_credentials,omitempty"`
	BasicauthCredentials []kongBasicauthCred `yaml:"basicauth_credentials,omitempty"`
	JWTSecrets           []kongJWTSecret     `yaml:"jwt_secrets,omitempty"`
}

type kongKeyauthCred struct {
	Key string `yaml:"key"`
}

type kongBasicauthCred struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type kongJWTSecret struct {
	Key          string `yaml:"key"` // issuer claim value
	Algorithm    string `yaml:"algorithm,omitempty"`
	Secret       string `yaml:"secret,omitempty"`
	RSAPublicKey string `yaml:"rsa_public_key,omitempty"`
}
