package envoy

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/tidwall/gjson"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
	"github.com/wudi/crossgw/internal/units"
)

// Import reverses the bootstrap mapping best-effort. Lua filter overrides are
// dropped with a warning; outlier detection comes back as a passive health
// check, never as a fabricated breaker.
func (p *Plugin) Import(data []byte) (*ir.Document, []provider.Warning, error) {
	var bootstrap envoyBootstrap
	if err := yaml.Unmarshal(data, &bootstrap); err != nil {
		return nil, nil, fmt.Errorf("failed to parse envoy bootstrap: %w", err)
	}

	hcm := findHCM(&bootstrap)
	if hcm == nil {
		return nil, nil, fmt.Errorf("bootstrap has no http_connection_manager listener")
	}

	jwt := importJWTConfig(hcm)

	// Clusters the jwt filter fetches JWKS from are infrastructure, not
	// services.
	jwksClusters := map[string]bool{}
	for _, prov := range jwt.providers {
		if name := remoteJWKSCluster(prov); name != "" {
			jwksClusters[name] = true
		}
	}

	routesByCluster := map[string][]*envoyRoute{}
	if len(hcm.RouteConfig.VirtualHosts) > 0 {
		vh := &hcm.RouteConfig.VirtualHosts[0]
		for i := range vh.Routes {
			r := &vh.Routes[i]
			if r.Route == nil {
				continue
			}
			routesByCluster[r.Route.Cluster] = append(routesByCluster[r.Route.Cluster], r)
		}
	}

	doc := &ir.Document{}
	var warnings []provider.Warning

	for i := range bootstrap.StaticResources.Clusters {
		cluster := &bootstrap.StaticResources.Clusters[i]
		if jwksClusters[cluster.Name] {
			continue
		}
		svc, w := importService(cluster, routesByCluster[cluster.Name], jwt)
		warnings = append(warnings, w...)
		doc.Services = append(doc.Services, *svc)
	}

	return doc, warnings, nil
}

func findHCM(b *envoyBootstrap) *envoyHCM {
	for _, l := range b.StaticResources.Listeners {
		for _, fc := range l.FilterChains {
			for _, f := range fc.Filters {
				if f.TypedConfig != nil {
					return f.TypedConfig
				}
			}
		}
	}
	return nil
}

// jwtConfig is the parsed jwt_authn filter: providers by name and the
// provider required per path prefix.
type jwtConfig struct {
	providers        map[string]map[string]any
	providerByPrefix map[string]string
}

func importJWTConfig(hcm *envoyHCM) *jwtConfig {
	out := &jwtConfig{
		providers:        map[string]map[string]any{},
		providerByPrefix: map[string]string{},
	}
	for _, f := range hcm.HTTPFilters {
		if f.Name != filterJWTAuthn || f.TypedConfig == nil {
			continue
		}
		for name, raw := range provider.CfgMap(f.TypedConfig, "providers") {
			if prov, ok := raw.(map[string]any); ok {
				out.providers[name] = prov
			}
		}
		switch rules := f.TypedConfig["rules"].(type) {
		case []any:
			for _, raw := range rules {
				rule, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				match := provider.CfgMap(rule, "match")
				requires := provider.CfgMap(rule, "requires")
				prefix := provider.CfgString(match, "prefix")
				name := provider.CfgString(requires, "provider_name")
				if prefix != "" && name != "" {
					out.providerByPrefix[prefix] = name
				}
			}
		}
	}
	return out
}

func remoteJWKSCluster(prov map[string]any) string {
	remote := provider.CfgMap(prov, "remote_jwks")
	httpURI := provider.CfgMap(remote, "http_uri")
	return provider.CfgString(httpURI, "cluster")
}

func importService(cluster *envoyCluster, routes []*envoyRoute, jwt *jwtConfig) (*ir.Service, []provider.Warning) {
	var warnings []provider.Warning

	svc := &ir.Service{Name: cluster.Name, Protocol: ir.ProtocolHTTP}
	if cluster.TransportSocket != nil {
		svc.Protocol = ir.ProtocolHTTPS
	}

	importClusterUpstream(cluster, &svc.Upstream)

	for _, er := range routes {
		route := ir.Route{PathPrefix: er.Match.Prefix}
		route.Methods = importMethods(er.Match.Headers)

		if er.Route != nil {
			importRouteAction(cluster, er.Route, &route)
		}

		route.Headers = importHeaders(er)

		if name, ok := jwt.providerByPrefix[route.PathPrefix]; ok {
			if prov, ok := jwt.providers[name]; ok {
				auth, w := importJWTProvider(prov)
				warnings = append(warnings, w...)
				route.Authentication = auth
			}
		}

		w := importPerFilterConfigs(er, &route)
		warnings = append(warnings, w...)

		svc.Routes = append(svc.Routes, route)
	}

	return svc, warnings
}

func importClusterUpstream(cluster *envoyCluster, up *ir.Upstream) {
	uniform := true
	firstWeight := -1
	for _, le := range cluster.LoadAssignment.Endpoints {
		for _, ep := range le.LBEndpoints {
			sa := ep.Endpoint.Address.SocketAddress
			weight := ep.LoadBalancingWeight
			if weight == 0 {
				weight = 1
			}
			if firstWeight == -1 {
				firstWeight = weight
			} else if weight != firstWeight {
				uniform = false
			}
			up.Targets = append(up.Targets, ir.Target{Host: sa.Address, Port: sa.PortValue, Weight: weight})
		}
	}

	algo := ir.AlgorithmRoundRobin
	if cluster.LBPolicy != "" {
		if canonical, err := units.UnmapEnum(providerName, units.DomainLBAlgorithm, cluster.LBPolicy); err == nil {
			algo = ir.Algorithm(canonical)
		}
	}
	if algo == ir.AlgorithmRoundRobin && !uniform {
		algo = ir.AlgorithmWeighted
	}
	if algo != ir.AlgorithmRoundRobin || !uniform {
		up.LoadBalancer = &ir.LoadBalancer{Algorithm: algo}
	}

	hc := &ir.HealthCheck{}
	if len(cluster.HealthChecks) > 0 {
		ehc := cluster.HealthChecks[0]
		active := &ir.ActiveHealthCheck{
			Enabled:            true,
			Interval:           parseSeconds(ehc.Interval),
			Timeout:            parseSeconds(ehc.Timeout),
			HealthyThreshold:   ehc.HealthyThreshold,
			UnhealthyThreshold: ehc.UnhealthyThreshold,
		}
		if ehc.HTTPHealthCheck != nil {
			active.Path = ehc.HTTPHealthCheck.Path
			for _, r := range ehc.HTTPHealthCheck.ExpectedStatuses {
				for s := r.Start; s < r.End; s++ {
					active.HealthyStatus = append(active.HealthyStatus, s)
				}
			}
		}
		hc.Active = active
	}
	if od := cluster.OutlierDetection; od != nil && od.Consecutive5xx > 0 {
		hc.Passive = &ir.PassiveHealthCheck{Enabled: true, MaxFailures: od.Consecutive5xx}
	}
	if hc.Active != nil || hc.Passive != nil {
		up.HealthCheck = hc
	}
}

func importMethods(headers []envoyHeaderMatch) []string {
	for _, h := range headers {
		if h.Name != ":method" || h.StringMatch == nil {
			continue
		}
		if h.StringMatch.Exact != "" {
			return []string{h.StringMatch.Exact}
		}
		if h.StringMatch.SafeRegex != nil {
			return strings.Split(h.StringMatch.SafeRegex.Regex, "|")
		}
	}
	return nil
}

func importRouteAction(cluster *envoyCluster, action *envoyRouteAction, route *ir.Route) {
	connect := 0.0
	if cluster.ConnectTimeout != "" && cluster.ConnectTimeout != "5s" {
		connect = parseSeconds(cluster.ConnectTimeout)
	}
	if action.Timeout != "" || connect > 0 {
		route.Timeout = &ir.Timeout{
			Connect: connect,
			Read:    parseSeconds(action.Timeout),
		}
	}

	if rp := action.RetryPolicy; rp != nil {
		retry := &ir.Retry{Enabled: true, Attempts: rp.NumRetries}
		if rp.RetryOn == "retriable-status-codes" && len(rp.RetriableStatusCodes) > 0 {
			for _, code := range rp.RetriableStatusCodes {
				switch code {
				case 502:
					retry.RetryOn = append(retry.RetryOn, ir.RetryOn502)
				case 503:
					retry.RetryOn = append(retry.RetryOn, ir.RetryOn503)
				case 504:
					retry.RetryOn = append(retry.RetryOn, ir.RetryOn504)
				}
			}
		}
		if len(retry.RetryOn) == 0 {
			retry.RetryOn = []string{ir.RetryOn5xx}
		}
		if rp.RetryBackOff != nil {
			retry.BaseInterval = parseSeconds(rp.RetryBackOff.BaseInterval)
			retry.MaxInterval = parseSeconds(rp.RetryBackOff.MaxInterval)
		}
		route.Retry = retry
	}

	for _, uc := range action.UpgradeConfigs {
		if uc.UpgradeType == "websocket" {
			route.Websocket = &ir.Websocket{
				Enabled:     true,
				IdleTimeout: parseSeconds(action.IdleTimeout),
			}
		}
	}
}

func importHeaders(er *envoyRoute) *ir.Headers {
	if len(er.RequestHeadersToAdd) == 0 && len(er.RequestHeadersToRemove) == 0 &&
		len(er.ResponseHeadersToAdd) == 0 && len(er.ResponseHeadersToRemove) == 0 {
		return nil
	}
	h := &ir.Headers{
		RequestRemove:  er.RequestHeadersToRemove,
		ResponseRemove: er.ResponseHeadersToRemove,
	}
	if len(er.RequestHeadersToAdd) > 0 {
		h.RequestAdd = map[string]string{}
		for _, opt := range er.RequestHeadersToAdd {
			h.RequestAdd[opt.Header.Key] = opt.Header.Value
		}
	}
	if len(er.ResponseHeadersToAdd) > 0 {
		h.ResponseAdd = map[string]string{}
		for _, opt := range er.ResponseHeadersToAdd {
			h.ResponseAdd[opt.Header.Key] = opt.Header.Value
		}
	}
	return h
}

func importJWTProvider(prov map[string]any) (*ir.Authentication, []provider.Warning) {
	var warnings []provider.Warning
	jwt := &ir.JWTAuth{Issuer: provider.CfgString(prov, "issuer")}

	if audiences := provider.CfgStrings(prov, "audiences"); len(audiences) > 0 {
		jwt.Audience = audiences
	}

	if local := provider.CfgMap(prov, "local_jwks"); local != nil {
		inline := provider.CfgString(local, "inline_string")
		if k := gjson.Get(inline, "keys.0.k"); k.Exists() {
			if secret, err := base64.RawURLEncoding.DecodeString(k.String()); err == nil {
				jwt.Secret = string(secret)
			}
		}
		if jwt.Secret == "" {
			warnings = append(warnings, provider.Partial(capability.AuthJWT,
				"inline JWKS carries no recoverable shared secret; key material missing"))
		}
	}
	if remote := provider.CfgMap(prov, "remote_jwks"); remote != nil {
		httpURI := provider.CfgMap(remote, "http_uri")
		jwt.JWKSURI = provider.CfgString(httpURI, "uri")
	}

	return &ir.Authentication{Type: ir.AuthJWT, JWT: jwt}, warnings
}

func importPerFilterConfigs(er *envoyRoute, route *ir.Route) []provider.Warning {
	var warnings []provider.Warning

	if cfg, ok := er.TypedPerFilterConfig[filterLocalRateLimit]; ok {
		bucket := provider.CfgMap(cfg, "token_bucket")
		fill := provider.CfgInt(bucket, "tokens_per_fill")
		interval := parseSeconds(provider.CfgString(bucket, "fill_interval"))
		if interval <= 0 {
			interval = 1
		}
		rl := &ir.RateLimit{
			Enabled:           true,
			RequestsPerSecond: float64(fill) / interval,
			Burst:             provider.CfgInt(bucket, "max_tokens") - fill,
			KeyType:           ir.RateLimitKeyRemoteAddr,
		}
		if rl.Burst < 0 {
			rl.Burst = 0
		}
		route.RateLimit = rl
	}

	if cfg, ok := er.TypedPerFilterConfig[filterCors]; ok {
		cors := &ir.CORS{
			Enabled:          true,
			AllowedMethods:   splitList(provider.CfgString(cfg, "allow_methods")),
			AllowedHeaders:   splitList(provider.CfgString(cfg, "allow_headers")),
			AllowCredentials: provider.CfgBool(cfg, "allow_credentials"),
		}
		if raw, ok := cfg["allow_origin_string_match"].([]any); ok {
			for _, m := range raw {
				if sm, ok := m.(map[string]any); ok {
					if o := provider.CfgString(sm, "exact"); o != "" {
						cors.AllowedOrigins = append(cors.AllowedOrigins, o)
					}
				}
			}
		}
		if age := provider.CfgString(cfg, "max_age"); age != "" {
			if f, err := strconv.ParseFloat(age, 64); err == nil {
				cors.MaxAge = f
			}
		}
		route.CORS = cors
	}

	if _, ok := er.TypedPerFilterConfig[filterLua]; ok {
		warnings = append(warnings, provider.Partial(capability.BodyTransform,
			"per-route Lua filter on %s cannot be mapped back; dropped", er.Match.Prefix))
	}

	return warnings
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

// parseSeconds reads a proto JSON duration literal into canonical seconds.
func parseSeconds(s string) float64 {
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
