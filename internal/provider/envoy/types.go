package envoy

// Native model for an Envoy static bootstrap, the subset the mapper emits:
// one listener with an http_connection_manager, one virtual host holding
// every route, and one cluster per service. Field names follow the proto
// JSON spelling so the output loads directly.

type envoyBootstrap struct {
	StaticResources envoyStaticResources `yaml:"static_resources"`
}

type envoyStaticResources struct {
	Listeners []envoyListener `yaml:"listeners,omitempty"`
	Clusters  []envoyCluster  `yaml:"clusters,omitempty"`
}

type envoyListener struct {
	Name         string             `yaml:"name"`
	Address      envoyAddress       `yaml:"address"`
	FilterChains []envoyFilterChain `yaml:"filter_chains"`
}

type envoyAddress struct {
	SocketAddress envoySocketAddress `yaml:"socket_address"`
}

type envoySocketAddress struct {
	Address   string `yaml:"address"`
	PortValue int    `yaml:"port_value"`
}

type envoyFilterChain struct {
	Filters []envoyNetworkFilter `yaml:"filters"`
}

type envoyNetworkFilter struct {
	Name        string    `yaml:"name"`
	TypedConfig *envoyHCM `yaml:"typed_config,omitempty"`
}

type envoyHCM struct {
	Type        string            `yaml:"@type"`
	StatPrefix  string            `yaml:"stat_prefix"`
	RouteConfig envoyRouteConfig  `yaml:"route_config"`
	HTTPFilters []envoyHTTPFilter `yaml:"http_filters"`
}

type envoyRouteConfig struct {
	Name         string             `yaml:"name"`
	VirtualHosts []envoyVirtualHost `yaml:"virtual_hosts"`
}

type envoyVirtualHost struct {
	Name    string       `yaml:"name"`
	Domains []string     `yaml:"domains"`
	Routes  []envoyRoute `yaml:"routes"`
}

type envoyRoute struct {
	Match envoyRouteMatch   `yaml:"match"`
	Route *envoyRouteAction `yaml:"route,omitempty"`

	TypedPerFilterConfig map[string]map[string]any `yaml:"typed_per_filter_config,omitempty"`

	RequestHeadersToAdd     []envoyHeaderValueOption `yaml:"request_headers_to_add,omitempty"`
	RequestHeadersToRemove  []string                 `yaml:"request_headers_to_remove,omitempty"`
	ResponseHeadersToAdd    []envoyHeaderValueOption `yaml:"response_headers_to_add,omitempty"`
	ResponseHeadersToRemove []string                 `yaml:"response_headers_to_remove,omitempty"`
}

type envoyRouteMatch struct {
	Prefix  string             `yaml:"prefix"`
	Headers []envoyHeaderMatch `yaml:"headers,omitempty"`
}

type envoyHeaderMatch struct {
	Name        string            `yaml:"name"`
	StringMatch *envoyStringMatch `yaml:"string_match,omitempty"`
}

type envoyStringMatch struct {
	Exact     string          `yaml:"exact,omitempty"`
	SafeRegex *envoySafeRegex `yaml:"safe_regex,omitempty"`
}

type envoySafeRegex struct {
	Regex string `yaml:"regex"`
}

type envoyRouteAction struct {
	Cluster        string               `yaml:"cluster"`
	Timeout        string               `yaml:"timeout,omitempty"`
	IdleTimeout    string               `yaml:"idle_timeout,omitempty"`
	RetryPolicy    *envoyRetryPolicy    `yaml:"retry_policy,omitempty"`
	UpgradeConfigs []envoyUpgradeConfig `yaml:"upgrade_configs,omitempty"`
}

type envoyRetryPolicy struct {
	RetryOn              string             `yaml:"retry_on"`
	NumRetries           int                `yaml:"num_retries,omitempty"`
	RetriableStatusCodes []int              `yaml:"retriable_status_codes,omitempty"`
	RetryBackOff         *envoyRetryBackOff `yaml:"retry_back_off,omitempty"`
}

type envoyRetryBackOff struct {
	BaseInterval string `yaml:"base_interval,omitempty"`
	MaxInterval  string `yaml:"max_interval,omitempty"`
}

type envoyUpgradeConfig struct {
	UpgradeType string `yaml:"upgrade_type"`
}

type envoyHeaderValueOption struct {
	Header       envoyHeaderValue `yaml:"header"`
	AppendAction string           `yaml:"append_action,omitempty"`
}

type envoyHeaderValue struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type envoyHTTPFilter struct {
	Name        string         `yaml:"name"`
	TypedConfig map[string]any `yaml:"typed_config,omitempty"`
}

type envoyCluster struct {
	Name             string                 `yaml:"name"`
	Type             string                 `yaml:"type"`
	ConnectTimeout   string                 `yaml:"connect_timeout,omitempty"`
	LBPolicy         string                 `yaml:"lb_policy,omitempty"`
	LoadAssignment   envoyLoadAssignment    `yaml:"load_assignment"`
	HealthChecks     []envoyHealthCheck     `yaml:"health_checks,omitempty"`
	OutlierDetection *envoyOutlierDetection `yaml:"outlier_detection,omitempty"`
	TransportSocket  *envoyTransportSocket  `yaml:"transport_socket,omitempty"`
}

type envoyLoadAssignment struct {
	ClusterName string                   `yaml:"cluster_name"`
	Endpoints   []envoyLocalityEndpoints `yaml:"endpoints"`
}

type envoyLocalityEndpoints struct {
	LBEndpoints []envoyLBEndpoint `yaml:"lb_endpoints"`
}

type envoyLBEndpoint struct {
	Endpoint            envoyEndpoint `yaml:"endpoint"`
	LoadBalancingWeight int           `yaml:"load_balancing_weight,omitempty"`
}

type envoyEndpoint struct {
	Address envoyAddress `yaml:"address"`
}

type envoyHealthCheck struct {
	Timeout            string                `yaml:"timeout,omitempty"`
	Interval           string                `yaml:"interval,omitempty"`
	HealthyThreshold   int                   `yaml:"healthy_threshold,omitempty"`
	UnhealthyThreshold int                   `yaml:"unhealthy_threshold,omitempty"`
	HTTPHealthCheck    *envoyHTTPHealthCheck `yaml:"http_health_check,omitempty"`
}

type envoyHTTPHealthCheck struct {
	Path             string            `yaml:"path"`
	ExpectedStatuses []envoyInt64Range `yaml:"expected_statuses,omitempty"`
}

// envoyInt64Range follows envoy's type.v3.Int64Range: start inclusive,
// end exclusive.
type envoyInt64Range struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

type envoyOutlierDetection struct {
	Consecutive5xx   int    `yaml:"consecutive_5xx,omitempty"`
	BaseEjectionTime string `yaml:"base_ejection_time,omitempty"`
}

type envoyTransportSocket struct {
	Name        string         `yaml:"name"`
	TypedConfig map[string]any `yaml:"typed_config,omitempty"`
}
