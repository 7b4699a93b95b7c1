package apisix

// Native model for APISIX's standalone declarative config (apisix.yaml).
// Routes reference upstreams by id; plugin configs are free-form maps keyed
// by plugin name, which is also how APISIX's admin API shapes them.

type apisixConfig struct {
	Routes    []apisixRoute    `yaml:"routes,omitempty"`
	Upstreams []apisixUpstream `yaml:"upstreams,omitempty"`
	Consumers []apisixConsumer `yaml:"consumers,omitempty"`
}

type apisixRoute struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name,omitempty"`
	URIs            []string       `yaml:"uris"`
	Methods         []string       `yaml:"methods,omitempty"`
	UpstreamID      string         `yaml:"upstream_id,omitempty"`
	EnableWebsocket bool           `yaml:"enable_websocket,omitempty"`
	Timeout         *apisixTimeout `yaml:"timeout,omitempty"`
	Plugins         map[string]any `yaml:"plugins,omitempty"`
}

type apisixTimeout struct {
	Connect float64 `yaml:"connect,omitempty"` // seconds
	Send    float64 `yaml:"send,omitempty"`    // seconds
	Read    float64 `yaml:"read,omitempty"`    // seconds
}

type apisixUpstream struct {
	ID      string        `yaml:"id"`
	Name    string        `yaml:"name,omitempty"`
	Type    string        `yaml:"type,omitempty"` // roundrobin, chash, least_conn
	HashOn  string        `yaml:"hash_on,omitempty"`
	Key     string        `yaml:"key,omitempty"`
	Scheme  string        `yaml:"scheme,omitempty"`
	Nodes   []apisixNode  `yaml:"nodes"`
	Retries *int          `yaml:"retries,omitempty"`
	Checks  *apisixChecks `yaml:"checks,omitempty"`
}

type apisixNode struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Weight int    `yaml:"weight"`
}

type apisixChecks struct {
	Active  *apisixActiveCheck  `yaml:"active,omitempty"`
	Passive *apisixPassiveCheck `yaml:"passive,omitempty"`
}

type apisixActiveCheck struct {
	Type      string              `yaml:"type,omitempty"`
	HTTPPath  string              `yaml:"http_path,omitempty"`
	Timeout   float64             `yaml:"timeout,omitempty"` // seconds
	Healthy   *apisixCheckHealthy `yaml:"healthy,omitempty"`
	Unhealthy *apisixCheckFailed  `yaml:"unhealthy,omitempty"`
}

type apisixPassiveCheck struct {
	Unhealthy *apisixCheckFailed `yaml:"unhealthy,omitempty"`
}

type apisixCheckHealthy struct {
	Interval     float64 `yaml:"interval,omitempty"` // seconds
	Successes    int     `yaml:"successes,omitempty"`
	HTTPStatuses []int   `yaml:"http_statuses,omitempty"`
}

type apisixCheckFailed struct {
	Interval     float64 `yaml:"interval,omitempty"` // seconds
	HTTPFailures int     `yaml:"http_failures,omitempty"`
}

type apisixConsumer struct {
	Username string         `yaml:"username"`
	Plugins  map[string]any `yaml:"plugins,omitempty"`
}
