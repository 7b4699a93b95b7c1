// Package azure maps the IR to an Azure API Management ARM template and back.
// Each service becomes an API resource, each route becomes one operation per
// HTTP verb, and every policy lands in an operation-scoped policy XML
// document. APIM has no upstream pool, so multi-target services route through
// a weighted-random policy shim.
package azure

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
	"github.com/wudi/crossgw/internal/shim"
	"github.com/wudi/crossgw/internal/units"
)

const providerName = "azure"

const (
	armSchema  = "https://schema.management.azure.com/schemas/2019-04-01/deploymentTemplate.json#"
	apiVersion = "2022-08-01"

	typeAPI       = "Microsoft.ApiManagement/service/apis"
	typeOperation = "Microsoft.ApiManagement/service/apis/operations"
	typePolicy    = "Microsoft.ApiManagement/service/apis/operations/policies"
)

// forward-request rejects timeouts above 240 seconds; larger values clamp.
const maxForwardTimeout = 240

// allVerbs is the operation set emitted for a route with no method filter.
// An imported operation set covering every verb folds back to "all methods".
var allVerbs = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// Plugin implements the Azure APIM mapping.
type Plugin struct {
	resolver *shim.Resolver
}

// New creates an Azure plugin. A nil resolver uses production randomness.
func New(resolver *shim.Resolver) *Plugin {
	return &Plugin{resolver: resolver}
}

func init() {
	provider.Register(New(nil))
}

// Name returns the provider identifier.
func (p *Plugin) Name() string { return providerName }

// jsonDoc accumulates sjson edits, carrying the first error forward so call
// sites stay flat.
type jsonDoc struct {
	s   string
	err error
}

func newJSONDoc() *jsonDoc { return &jsonDoc{s: "{}"} }

func (d *jsonDoc) set(path string, v any) {
	if d.err != nil {
		return
	}
	d.s, d.err = sjson.Set(d.s, path, v)
}

func (d *jsonDoc) setRaw(path, raw string) {
	if d.err != nil {
		return
	}
	d.s, d.err = sjson.SetRaw(d.s, path, raw)
}

// Export maps an IR document to an ARM template embedding policy XML.
func (p *Plugin) Export(doc *ir.Document) ([]byte, []provider.Warning, error) {
	var warnings []provider.Warning

	tmpl := newJSONDoc()
	tmpl.set("$schema", armSchema)
	tmpl.set("contentVersion", "1.0.0.0")
	tmpl.setRaw("parameters", `{"apimServiceName":{"type":"string"}}`)
	tmpl.setRaw("resources", "[]")

	for si := range doc.Services {
		svc := &doc.Services[si]
		w, err := p.exportService(tmpl, svc)
		warnings = append(warnings, w...)
		if err != nil {
			return nil, warnings, fmt.Errorf("service %s: %w", svc.Name, err)
		}
	}
	if tmpl.err != nil {
		return nil, warnings, fmt.Errorf("failed to assemble arm template: %w", tmpl.err)
	}

	return []byte(tmpl.s), warnings, nil
}

func (p *Plugin) exportService(tmpl *jsonDoc, svc *ir.Service) ([]provider.Warning, error) {
	var warnings []provider.Warning

	scheme := "http"
	if svc.Protocol.IsSecure() {
		scheme = "https"
	}
	targets := svc.Upstream.AllTargets()
	if len(targets) == 0 {
		return nil, fmt.Errorf("upstream has no targets")
	}
	serviceURL := fmt.Sprintf("%s://%s:%d", scheme, targets[0].Host, targets[0].Port)

	// APIM has no upstream pool; the backend shim claims the rest of the
	// targets via weighted-random selection.
	backendShim := ""
	if len(targets) > 1 {
		algo := ir.AlgorithmRoundRobin
		if svc.Upstream.LoadBalancer != nil {
			algo = svc.Upstream.LoadBalancer.Algorithm
		}
		switch algo {
		case ir.AlgorithmLeastConn:
			warnings = append(warnings, provider.Unsupported(capability.LBLeastConn,
				"least_conn has no policy equivalent; targets selected weighted-random"))
		case ir.AlgorithmIPHash:
			warnings = append(warnings, provider.Unsupported(capability.LBIPHash,
				"ip_hash has no policy equivalent; targets selected weighted-random"))
		}
		frag, err := shim.Generate(shim.KindAzureWeightedRoute, shim.Params{
			Targets:  targets,
			Scheme:   scheme,
			Resolver: p.resolver,
		})
		if err != nil {
			return warnings, err
		}
		backendShim = frag
		warnings = append(warnings, provider.Partial(capability.MultiTarget,
			"no native upstream pool; %d targets routed through a weighted-random policy", len(targets)))
	}

	if hc := svc.Upstream.HealthCheck; hc != nil {
		if hc.Active != nil && hc.Active.Enabled {
			warnings = append(warnings, provider.Unsupported(capability.HealthActive,
				"active health checking is not part of the policy model; omitted"))
		}
		if hc.Passive != nil && hc.Passive.Enabled {
			warnings = append(warnings, provider.Unsupported(capability.HealthPassive,
				"passive health checking is not part of the policy model; omitted"))
		}
	}
	if cb := svc.Upstream.CircuitBreaker; cb != nil && cb.Enabled {
		warnings = append(warnings, provider.Unsupported(capability.CircuitBreaker,
			"the policy document model has no circuit breaker; omitted"))
	}

	api := newJSONDoc()
	api.set("type", typeAPI)
	api.set("apiVersion", apiVersion)
	api.set("name", armName(svc.Name))
	api.set("properties.displayName", svc.Name)
	api.set("properties.path", svc.Name)
	api.setRaw("properties.protocols", `["https"]`)
	api.set("properties.serviceUrl", serviceURL)
	api.set("properties.subscriptionRequired", false)
	if api.err != nil {
		return warnings, api.err
	}
	tmpl.setRaw("resources.-1", api.s)

	for ri := range svc.Routes {
		r := &svc.Routes[ri]

		policyXML, w, err := p.buildPolicy(r, backendShim)
		warnings = append(warnings, w...)
		if err != nil {
			return warnings, fmt.Errorf("route %s: %w", r.PathPrefix, err)
		}

		methods := r.Methods
		if len(methods) == 0 {
			methods = allVerbs
		}
		for _, m := range methods {
			opID := fmt.Sprintf("%s-r%d-%s", svc.Name, ri, strings.ToLower(m))

			op := newJSONDoc()
			op.set("type", typeOperation)
			op.set("apiVersion", apiVersion)
			op.set("name", armName(svc.Name, opID))
			op.set("properties.displayName", fmt.Sprintf("%s %s", m, r.PathPrefix))
			op.set("properties.method", m)
			op.set("properties.urlTemplate", urlTemplate(r.PathPrefix))
			if op.err != nil {
				return warnings, op.err
			}
			tmpl.setRaw("resources.-1", op.s)

			pol := newJSONDoc()
			pol.set("type", typePolicy)
			pol.set("apiVersion", apiVersion)
			pol.set("name", armName(svc.Name, opID, "policy"))
			pol.set("properties.format", "xml")
			pol.set("properties.value", policyXML)
			if pol.err != nil {
				return warnings, pol.err
			}
			tmpl.setRaw("resources.-1", pol.s)
		}
	}

	return warnings, nil
}

// buildPolicy renders the operation policy document. Section order is fixed
// so export stays byte-deterministic.
func (p *Plugin) buildPolicy(r *ir.Route, backendShim string) (string, []provider.Warning, error) {
	var warnings []provider.Warning
	var inbound, outbound []string

	if c := r.CORS; c != nil && c.Enabled {
		inbound = append(inbound, corsPolicy(c))
	}

	if a := r.Authentication; a != nil {
		frag, w := authPolicy(a)
		warnings = append(warnings, w...)
		if frag != "" {
			inbound = append(inbound, frag)
		}
	}

	if rl := r.RateLimit; rl != nil && rl.Enabled {
		frag, w := rateLimitPolicy(rl)
		warnings = append(warnings, w...)
		inbound = append(inbound, frag)
	}

	if h := r.Headers; h != nil {
		inbound = append(inbound, setHeaderPolicies(h.RequestAdd, h.RequestRemove)...)
		outbound = append(outbound, setHeaderPolicies(h.ResponseAdd, h.ResponseRemove)...)
	}

	if bt := r.BodyTransformation; bt != nil {
		if bt.Request != nil {
			frag, err := shim.Generate(shim.KindAzureSetBody, shim.Params{
				AddFields:    bt.Request.AddFields,
				RemoveFields: bt.Request.RemoveFields,
				Resolver:     p.resolver,
			})
			if err != nil {
				return "", warnings, err
			}
			inbound = append(inbound, frag)
			warnings = append(warnings, provider.Partial(capability.BodyTransform,
				"request transform emitted as a set-body policy expression rewriting the whole body"))
		}
		if bt.Response != nil && len(bt.Response.FilterFields) > 0 {
			warnings = append(warnings, provider.Partial(capability.BodyTransform,
				"response field filtering has no policy equivalent; filter_fields dropped"))
		}
	}

	if c := r.Cache; c != nil && c.Enabled {
		inbound = append(inbound, cacheLookupPolicy(c))
		outbound = append(outbound, fmt.Sprintf(`<cache-store duration="%d" />`, units.RoundHalfUp(c.TTL)))
	}

	if backendShim != "" {
		inbound = append(inbound, backendShim)
	}

	if ws := r.Websocket; ws != nil && ws.Enabled {
		warnings = append(warnings, provider.Partial(capability.Websocket,
			"websocket traffic requires a separate websocket-type API; upgrade handling omitted here"))
	}

	backend, w := backendPolicy(r)
	warnings = append(warnings, w...)

	var b strings.Builder
	b.WriteString("<policies>\n")
	writeSection(&b, "inbound", inbound)
	b.WriteString("    <backend>\n")
	b.WriteString(indentLines(backend, 8) + "\n")
	b.WriteString("    </backend>\n")
	writeSection(&b, "outbound", outbound)
	b.WriteString("    <on-error>\n        <base />\n    </on-error>\n")
	b.WriteString("</policies>")

	return b.String(), warnings, nil
}

func writeSection(b *strings.Builder, name string, frags []string) {
	fmt.Fprintf(b, "    <%s>\n        <base />\n", name)
	for _, f := range frags {
		b.WriteString(indentLines(f, 8) + "\n")
	}
	fmt.Fprintf(b, "    </%s>\n", name)
}

// backendPolicy renders the backend section: plain forwarding, a bounded
// forward-request, or a retry wrapper around it.
func backendPolicy(r *ir.Route) (string, []provider.Warning) {
	var warnings []provider.Warning

	timeoutAttr := ""
	if t := r.Timeout; t != nil {
		read := units.RoundHalfUp(t.Read)
		if read > maxForwardTimeout {
			warnings = append(warnings, provider.Partial(capability.Timeout,
				"forward-request accepts at most %ds; read timeout clamped from %ds", maxForwardTimeout, read))
			read = maxForwardTimeout
		}
		if t.Connect > 0 || t.Send > 0 {
			warnings = append(warnings, provider.Partial(capability.Timeout,
				"forward-request has a single timeout; connect and send phases are not bounded separately"))
		}
		if read > 0 {
			timeoutAttr = fmt.Sprintf(` timeout="%d"`, read)
		}
	}

	forward := fmt.Sprintf("<forward-request%s />", timeoutAttr)

	rt := r.Retry
	if rt == nil || !rt.Enabled {
		if timeoutAttr == "" {
			return "<base />", warnings
		}
		return forward, warnings
	}

	attrs := fmt.Sprintf(` condition=%s count="%d"`, xmlAttr(retryCondition(rt.RetryOn)), rt.Attempts)
	interval := units.RoundHalfUp(rt.BaseInterval)
	if interval < 1 {
		interval = 1
	}
	attrs += fmt.Sprintf(` interval="%d"`, interval)
	if rt.MaxInterval > 0 {
		// interval + max-interval + delta selects exponential backoff.
		attrs += fmt.Sprintf(` max-interval="%d" delta="1"`, units.RoundHalfUp(rt.MaxInterval))
	}
	attrs += ` first-fast-retry="false"`

	return fmt.Sprintf("<retry%s>\n    %s\n</retry>", attrs, forward), warnings
}

// retryCondition renders the symbolic retry_on list as a policy expression.
func retryCondition(retryOn []string) string {
	var codes []string
	for _, cond := range retryOn {
		switch cond {
		case ir.RetryOn5xx:
			return "@(context.Response.StatusCode >= 500)"
		case ir.RetryOn502:
			codes = append(codes, "context.Response.StatusCode == 502")
		case ir.RetryOn503:
			codes = append(codes, "context.Response.StatusCode == 503")
		case ir.RetryOn504:
			codes = append(codes, "context.Response.StatusCode == 504")
		}
	}
	if len(codes) == 0 {
		return "@(context.Response.StatusCode >= 500)"
	}
	return "@(" + strings.Join(codes, " || ") + ")"
}

func authPolicy(a *ir.Authentication) (string, []provider.Warning) {
	switch a.Type {
	case ir.AuthBasic:
		return basicAuthPolicy(a)
	case ir.AuthAPIKey:
		return apiKeyPolicy(a)
	case ir.AuthJWT:
		return jwtPolicy(a)
	}
	return "", nil
}

// basicAuthPolicy forwards one credential pair to the backend. APIM does not
// verify clients against a user table, so this is a forwarding approximation.
func basicAuthPolicy(a *ir.Authentication) (string, []provider.Warning) {
	if a.Basic == nil || len(a.Basic.Users) == 0 {
		return "", nil
	}
	first := sortedKeys(a.Basic.Users)[0]
	w := provider.Partial(capability.AuthBasic,
		"authentication-basic forwards %q's credentials to the backend; the gateway does not verify clients", first)
	frag := fmt.Sprintf(`<authentication-basic username=%s password=%s />`,
		xmlAttr(first), xmlAttr(a.Basic.Users[first]))
	return frag, []provider.Warning{w}
}

func apiKeyPolicy(a *ir.Authentication) (string, []provider.Warning) {
	k := a.APIKey
	if k == nil {
		return "", nil
	}
	if k.Header == "" {
		return "", []provider.Warning{provider.Partial(capability.AuthAPIKey,
			"check-header validates headers only; query-parameter key %q not enforced", k.QueryParam)}
	}

	status := a.FailStatus
	if status == 0 {
		status = 401
	}
	msg := a.FailMessage
	if msg == "" {
		msg = "invalid api key"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<check-header name=%s failed-check-httpcode="%d" failed-check-error-message=%s ignore-case="true">`,
		xmlAttr(k.Header), status, xmlAttr(msg))
	b.WriteString("\n")
	for _, key := range k.Keys {
		fmt.Fprintf(&b, "    <value>%s</value>\n", xmlText(key))
	}
	b.WriteString("</check-header>")
	return b.String(), nil
}

func jwtPolicy(a *ir.Authentication) (string, []provider.Warning) {
	j := a.JWT
	if j == nil {
		return "", nil
	}
	var warnings []provider.Warning

	status := a.FailStatus
	if status == 0 {
		status = 401
	}
	msg := a.FailMessage
	if msg == "" {
		msg = "invalid token"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<validate-jwt header-name="Authorization" failed-validation-httpcode="%d" failed-validation-error-message=%s>`,
		status, xmlAttr(msg))
	b.WriteString("\n")

	switch {
	case j.JWKSURI != "":
		fmt.Fprintf(&b, "    <openid-config url=%s />\n", xmlAttr(j.JWKSURI))
		warnings = append(warnings, provider.Partial(capability.AuthJWT,
			"validate-jwt fetches keys from an OpenID discovery document, not a bare JWKS endpoint; verify the url"))
	case j.Secret != "":
		fmt.Fprintf(&b, "    <issuer-signing-keys>\n        <key>%s</key>\n    </issuer-signing-keys>\n",
			xmlText(base64.StdEncoding.EncodeToString([]byte(j.Secret))))
	case j.PublicKey != "":
		warnings = append(warnings, provider.Partial(capability.AuthJWT,
			"PEM public keys are uploaded as APIM certificates out of band; signing key omitted from the policy"))
	}

	if j.Issuer != "" {
		fmt.Fprintf(&b, "    <issuers>\n        <issuer>%s</issuer>\n    </issuers>\n", xmlText(j.Issuer))
	}
	if len(j.Audience) > 0 {
		b.WriteString("    <audiences>\n")
		for _, aud := range j.Audience {
			fmt.Fprintf(&b, "        <audience>%s</audience>\n", xmlText(aud))
		}
		b.WriteString("    </audiences>\n")
	}
	if len(j.RequiredClaims) > 0 {
		b.WriteString("    <required-claims>\n")
		for _, name := range sortedKeys(j.RequiredClaims) {
			fmt.Fprintf(&b, "        <claim name=%s match=\"all\">\n            <value>%s</value>\n        </claim>\n",
				xmlAttr(name), xmlText(j.RequiredClaims[name]))
		}
		b.WriteString("    </required-claims>\n")
	}
	b.WriteString("</validate-jwt>")
	return b.String(), warnings
}

// rateLimitPolicy emits rate-limit-by-key over a one-minute renewal window.
func rateLimitPolicy(rl *ir.RateLimit) (string, []provider.Warning) {
	var warnings []provider.Warning

	perMin, _ := units.Convert(rl.RequestsPerSecond, units.PerSecond, units.PerMinute)
	calls := units.RoundHalfUp(perMin)

	if rl.Burst > 0 {
		warnings = append(warnings, provider.Unsupported(capability.RateLimitBurst,
			"rate-limit-by-key has no burst allowance; burst %d dropped", rl.Burst))
	}

	key := "@(context.Request.IpAddress)"
	switch rl.KeyType {
	case ir.RateLimitKeyHeader:
		key = fmt.Sprintf(`@(context.Request.Headers.GetValueOrDefault("%s",""))`, rl.KeyName)
	case ir.RateLimitKeyJWTClaim:
		key = fmt.Sprintf(`@(context.Request.Headers.GetValueOrDefault("Authorization","").AsJwt()?.Claims.GetValueOrDefault("%s",""))`, rl.KeyName)
	}

	frag := fmt.Sprintf(`<rate-limit-by-key calls="%d" renewal-period="60" counter-key=%s />`,
		calls, xmlAttr(key))
	return frag, warnings
}

func corsPolicy(c *ir.CORS) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<cors allow-credentials="%t">`, c.AllowCredentials)
	b.WriteString("\n    <allowed-origins>\n")
	for _, o := range c.AllowedOrigins {
		fmt.Fprintf(&b, "        <origin>%s</origin>\n", xmlText(o))
	}
	b.WriteString("    </allowed-origins>\n")

	maxAge := ""
	if c.MaxAge > 0 {
		maxAge = fmt.Sprintf(` preflight-result-max-age="%d"`, units.RoundHalfUp(c.MaxAge))
	}
	fmt.Fprintf(&b, "    <allowed-methods%s>\n", maxAge)
	for _, m := range c.AllowedMethods {
		fmt.Fprintf(&b, "        <method>%s</method>\n", xmlText(m))
	}
	b.WriteString("    </allowed-methods>\n")

	if len(c.AllowedHeaders) > 0 {
		b.WriteString("    <allowed-headers>\n")
		for _, h := range c.AllowedHeaders {
			fmt.Fprintf(&b, "        <header>%s</header>\n", xmlText(h))
		}
		b.WriteString("    </allowed-headers>\n")
	}
	b.WriteString("</cors>")
	return b.String()
}

func setHeaderPolicies(add map[string]string, remove []string) []string {
	var out []string
	for _, k := range sortedKeys(add) {
		out = append(out, fmt.Sprintf("<set-header name=%s exists-action=\"override\">\n    <value>%s</value>\n</set-header>",
			xmlAttr(k), xmlText(add[k])))
	}
	for _, k := range remove {
		out = append(out, fmt.Sprintf(`<set-header name=%s exists-action="delete" />`, xmlAttr(k)))
	}
	return out
}

func cacheLookupPolicy(c *ir.Cache) string {
	if c.CacheKey == ir.CacheKeyPathQuery {
		return "<cache-lookup vary-by-developer=\"false\" vary-by-developer-groups=\"false\">\n" +
			"    <vary-by-query-parameter>*</vary-by-query-parameter>\n</cache-lookup>"
	}
	return `<cache-lookup vary-by-developer="false" vary-by-developer-groups="false" />`
}

// armName renders the segmented ARM resource name expression.
func armName(segments ...string) string {
	return fmt.Sprintf("[concat(parameters('apimServiceName'), '/%s')]", strings.Join(segments, "/"))
}

// urlTemplate turns a path prefix into an APIM wildcard template.
func urlTemplate(prefix string) string {
	if prefix == "" || prefix == "/" {
		return "/*"
	}
	return strings.TrimSuffix(prefix, "/") + "/*"
}

func indentLines(s string, n int) string {
	pad := strings.Repeat(" ", n)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = pad + l
		}
	}
	return strings.Join(lines, "\n")
}

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;", `"`, "&quot;")
var textEscaper = strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;")

// xmlAttr escapes and double-quotes an attribute value.
func xmlAttr(s string) string {
	return `"` + attrEscaper.Replace(s) + `"`
}

func xmlText(s string) string {
	return textEscaper.Replace(s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
