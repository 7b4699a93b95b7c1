// Package gcp maps the IR to a GCP API Gateway configuration, an OpenAPI 2.0
// document with x-google extensions, and back. The config layer is thin:
// backends take one address and a deadline, auth comes from security
// definitions, and most cross-cutting policies live outside gateway config
// entirely, so this plugin reports more gaps than any other.
package gcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
)

const providerName = "gcp"

const extBackend = "x-google-backend"

// Plugin implements the GCP API Gateway mapping.
type Plugin struct{}

// New creates a GCP plugin.
func New() *Plugin { return &Plugin{} }

func init() {
	provider.Register(New())
}

// Name returns the provider identifier.
func (p *Plugin) Name() string { return providerName }

var verbOrder = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// Export maps an IR document to an OpenAPI 2.0 gateway config.
func (p *Plugin) Export(doc *ir.Document) ([]byte, []provider.Warning, error) {
	var warnings []provider.Warning

	spec := &openapi2.T{
		Swagger:             "2.0",
		Info:                openapi3.Info{Title: "crossgw-gateway", Version: "1.0.0"},
		Schemes:             []string{"https"},
		Paths:               map[string]*openapi2.PathItem{},
		SecurityDefinitions: map[string]*openapi2.SecurityScheme{},
	}

	for si := range doc.Services {
		svc := &doc.Services[si]
		w, err := exportService(spec, svc)
		warnings = append(warnings, w...)
		if err != nil {
			return nil, warnings, fmt.Errorf("service %s: %w", svc.Name, err)
		}
	}

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, warnings, fmt.Errorf("failed to serialize openapi config: %w", err)
	}
	return data, warnings, nil
}

func exportService(spec *openapi2.T, svc *ir.Service) ([]provider.Warning, error) {
	var warnings []provider.Warning

	targets := svc.Upstream.AllTargets()
	if len(targets) == 0 {
		return nil, fmt.Errorf("upstream has no targets")
	}
	if len(targets) > 1 {
		warnings = append(warnings, provider.Unsupported(capability.MultiTarget,
			"x-google-backend takes one address; %d of %d targets dropped", len(targets)-1, len(targets)))
	}
	if lb := svc.Upstream.LoadBalancer; lb != nil {
		warnings = append(warnings, provider.Unsupported(lbFeature(lb.Algorithm),
			"load balancing is managed by the backend service, not gateway config; %s dropped", lb.Algorithm))
	}
	if hc := svc.Upstream.HealthCheck; hc != nil {
		if hc.Active != nil && hc.Active.Enabled {
			warnings = append(warnings, provider.Unsupported(capability.HealthActive,
				"health checking is not part of gateway config; omitted"))
		}
		if hc.Passive != nil && hc.Passive.Enabled {
			warnings = append(warnings, provider.Unsupported(capability.HealthPassive,
				"health checking is not part of gateway config; omitted"))
		}
	}
	if cb := svc.Upstream.CircuitBreaker; cb != nil && cb.Enabled {
		warnings = append(warnings, provider.Unsupported(capability.CircuitBreaker,
			"no circuit breaker in gateway config; omitted"))
	}

	scheme := "http"
	if svc.Protocol.IsSecure() {
		scheme = "https"
	}
	address := fmt.Sprintf("%s://%s:%d", scheme, targets[0].Host, targets[0].Port)

	for ri := range svc.Routes {
		r := &svc.Routes[ri]
		w := exportRoute(spec, svc, r, ri, address)
		warnings = append(warnings, w...)
	}

	return warnings, nil
}

func exportRoute(spec *openapi2.T, svc *ir.Service, r *ir.Route, ri int, address string) []provider.Warning {
	var warnings []provider.Warning

	backend := map[string]any{
		"address":          address,
		"path_translation": "APPEND_PATH_TO_ADDRESS",
	}
	if t := r.Timeout; t != nil {
		if t.Read > 0 {
			backend["deadline"] = t.Read
		}
		if t.Connect > 0 || t.Send > 0 {
			warnings = append(warnings, provider.Partial(capability.Timeout,
				"x-google-backend has a single deadline; connect and send phases are not bounded separately"))
		}
	}

	var security *openapi2.SecurityRequirements
	if a := r.Authentication; a != nil {
		defName, w := exportAuth(spec, svc, a, ri)
		warnings = append(warnings, w...)
		if defName != "" {
			security = &openapi2.SecurityRequirements{{defName: {}}}
		}
	}

	warnings = append(warnings, unsupportedPolicies(r)...)

	pi := &openapi2.PathItem{}
	methods := r.Methods
	if len(methods) == 0 {
		methods = verbOrder
	}
	for _, m := range methods {
		op := &openapi2.Operation{
			OperationID: fmt.Sprintf("%s-r%d-%s", svc.Name, ri, strings.ToLower(m)),
			Responses: map[string]*openapi2.Response{
				"200": {Description: "OK"},
			},
			Security:   security,
			Extensions: map[string]any{extBackend: backend},
		}
		setOperation(pi, m, op)
	}
	spec.Paths[pathKey(r.PathPrefix)] = pi

	return warnings
}

// unsupportedPolicies reports the route policies API Gateway config cannot
// carry. Rate limiting is project-level quota configuration and CORS is a
// gateway deployment flag; neither belongs to this document.
func unsupportedPolicies(r *ir.Route) []provider.Warning {
	var warnings []provider.Warning
	if r.RateLimit != nil && r.RateLimit.Enabled {
		warnings = append(warnings, provider.Unsupported(capability.RateLimit,
			"rate limiting is project-level quota configuration; omitted"))
	}
	if r.CORS != nil && r.CORS.Enabled {
		warnings = append(warnings, provider.Unsupported(capability.CORS,
			"CORS is a gateway deployment flag, not gateway config; omitted"))
	}
	if r.Retry != nil && r.Retry.Enabled {
		warnings = append(warnings, provider.Unsupported(capability.Retry,
			"no retry control in gateway config; omitted"))
	}
	if r.Websocket != nil && r.Websocket.Enabled {
		warnings = append(warnings, provider.Unsupported(capability.Websocket,
			"websocket upgrade is not configurable here; omitted"))
	}
	if r.Headers != nil {
		warnings = append(warnings, provider.Unsupported(capability.Headers,
			"header manipulation is not part of gateway config; omitted"))
	}
	if r.BodyTransformation != nil {
		warnings = append(warnings, provider.Unsupported(capability.BodyTransform,
			"body transformation is not part of gateway config; omitted"))
	}
	if r.Cache != nil && r.Cache.Enabled {
		warnings = append(warnings, provider.Unsupported(capability.Cache,
			"response caching is not part of gateway config; omitted"))
	}
	return warnings
}

func exportAuth(spec *openapi2.T, svc *ir.Service, a *ir.Authentication, ri int) (string, []provider.Warning) {
	base := fmt.Sprintf("%s_r%d", strings.ReplaceAll(svc.Name, "-", "_"), ri)

	switch a.Type {
	case ir.AuthBasic:
		return "", []provider.Warning{provider.Unsupported(capability.AuthBasic,
			"basic auth is not supported by API Gateway; omitted")}

	case ir.AuthAPIKey:
		k := a.APIKey
		if k == nil {
			return "", nil
		}
		var warnings []provider.Warning
		scheme := &openapi2.SecurityScheme{Type: "apiKey"}
		if k.Header != "" {
			scheme.In = "header"
			scheme.Name = k.Header
		} else {
			scheme.In = "query"
			scheme.Name = k.QueryParam
		}
		if len(k.Keys) > 0 {
			warnings = append(warnings, provider.Partial(capability.AuthAPIKey,
				"API keys are provisioned through the cloud console, not embedded in config; %d key values dropped", len(k.Keys)))
		}
		name := base + "_api_key"
		spec.SecurityDefinitions[name] = scheme
		return name, warnings

	case ir.AuthJWT:
		j := a.JWT
		if j == nil {
			return "", nil
		}
		var warnings []provider.Warning
		scheme := &openapi2.SecurityScheme{
			Type:             "oauth2",
			Flow:             "implicit",
			AuthorizationURL: j.Issuer,
			Extensions:       map[string]any{"x-google-issuer": j.Issuer},
		}
		if j.JWKSURI != "" {
			scheme.Extensions["x-google-jwks_uri"] = j.JWKSURI
		} else if j.StaticKey() {
			warnings = append(warnings, provider.Partial(capability.AuthJWT,
				"verification is JWKS-backed only; static key material omitted"))
		}
		if len(j.Audience) > 0 {
			scheme.Extensions["x-google-audiences"] = strings.Join(j.Audience, ",")
		}
		if len(j.RequiredClaims) > 0 {
			warnings = append(warnings, provider.Partial(capability.AuthJWT,
				"claim requirements beyond audience are not configurable; required_claims dropped"))
		}
		name := base + "_jwt"
		spec.SecurityDefinitions[name] = scheme
		return name, warnings
	}
	return "", nil
}

func lbFeature(a ir.Algorithm) capability.Feature {
	switch a {
	case ir.AlgorithmLeastConn:
		return capability.LBLeastConn
	case ir.AlgorithmIPHash:
		return capability.LBIPHash
	case ir.AlgorithmWeighted:
		return capability.LBWeighted
	}
	return capability.LBRoundRobin
}

// pathKey appends the double wildcard so nested paths forward to the backend.
func pathKey(prefix string) string {
	if prefix == "" || prefix == "/" {
		return "/**"
	}
	return strings.TrimSuffix(prefix, "/") + "/**"
}

func setOperation(pi *openapi2.PathItem, method string, op *openapi2.Operation) {
	switch strings.ToUpper(method) {
	case "GET":
		pi.Get = op
	case "POST":
		pi.Post = op
	case "PUT":
		pi.Put = op
	case "PATCH":
		pi.Patch = op
	case "DELETE":
		pi.Delete = op
	case "HEAD":
		pi.Head = op
	case "OPTIONS":
		pi.Options = op
	}
}

// operationsOf lists a path item's operations in canonical verb order.
func operationsOf(pi *openapi2.PathItem) []methodOp {
	pairs := []methodOp{
		{"GET", pi.Get},
		{"POST", pi.Post},
		{"PUT", pi.Put},
		{"PATCH", pi.Patch},
		{"DELETE", pi.Delete},
		{"HEAD", pi.Head},
		{"OPTIONS", pi.Options},
	}
	out := pairs[:0]
	for _, p := range pairs {
		if p.op != nil {
			out = append(out, p)
		}
	}
	return out
}

type methodOp struct {
	method string
	op     *openapi2.Operation
}
