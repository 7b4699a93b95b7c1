package azure

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
)

// Native model for the policy XML subset the mapper reads back. Elements with
// no typed field below land in Unknown and surface as warnings.

type policyDoc struct {
	Inbound  policySection `xml:"inbound"`
	Backend  policySection `xml:"backend"`
	Outbound policySection `xml:"outbound"`
	OnError  policySection `xml:"on-error"`
}

type policySection struct {
	Base        *azBase         `xml:"base"`
	Cors        *azCors         `xml:"cors"`
	AuthBasic   *azAuthBasic    `xml:"authentication-basic"`
	CheckHeader *azCheckHeader  `xml:"check-header"`
	ValidateJWT *azValidateJWT  `xml:"validate-jwt"`
	RateLimit   *azRateLimit    `xml:"rate-limit-by-key"`
	SetHeaders  []azSetHeader   `xml:"set-header"`
	SetBody     *azSetBody      `xml:"set-body"`
	CacheLookup *azCacheLookup  `xml:"cache-lookup"`
	CacheStore  *azCacheStore   `xml:"cache-store"`
	Forward     *azForward      `xml:"forward-request"`
	Retry       *azRetry        `xml:"retry"`
	SetVariable []azSetVariable `xml:"set-variable"`
	Choose      *azChoose       `xml:"choose"`
	Unknown     []azAnyElem     `xml:",any"`
}

type azBase struct{}

type azAnyElem struct {
	XMLName xml.Name
}

type azCors struct {
	AllowCredentials bool          `xml:"allow-credentials,attr"`
	Origins          []string      `xml:"allowed-origins>origin"`
	Methods          azCorsMethods `xml:"allowed-methods"`
	Headers          []string      `xml:"allowed-headers>header"`
}

type azCorsMethods struct {
	MaxAge  int      `xml:"preflight-result-max-age,attr"`
	Methods []string `xml:"method"`
}

type azAuthBasic struct {
	Username string `xml:"username,attr"`
	Password string `xml:"password,attr"`
}

type azCheckHeader struct {
	Name    string   `xml:"name,attr"`
	Status  int      `xml:"failed-check-httpcode,attr"`
	Message string   `xml:"failed-check-error-message,attr"`
	Values  []string `xml:"value"`
}

type azValidateJWT struct {
	Status       int               `xml:"failed-validation-httpcode,attr"`
	Message      string            `xml:"failed-validation-error-message,attr"`
	OpenIDConfig *azOpenIDConfig   `xml:"openid-config"`
	SigningKeys  []string          `xml:"issuer-signing-keys>key"`
	Issuers      []string          `xml:"issuers>issuer"`
	Audiences    []string          `xml:"audiences>audience"`
	Claims       []azRequiredClaim `xml:"required-claims>claim"`
}

type azOpenIDConfig struct {
	URL string `xml:"url,attr"`
}

type azRequiredClaim struct {
	Name   string   `xml:"name,attr"`
	Values []string `xml:"value"`
}

type azRateLimit struct {
	Calls         int     `xml:"calls,attr"`
	RenewalPeriod float64 `xml:"renewal-period,attr"`
	CounterKey    string  `xml:"counter-key,attr"`
}

type azSetHeader struct {
	Name         string   `xml:"name,attr"`
	ExistsAction string   `xml:"exists-action,attr"`
	Values       []string `xml:"value"`
}

type azSetBody struct {
	Body string `xml:",chardata"`
}

type azCacheLookup struct {
	VaryByQuery []string `xml:"vary-by-query-parameter"`
}

type azCacheStore struct {
	Duration float64 `xml:"duration,attr"`
}

type azForward struct {
	Timeout float64 `xml:"timeout,attr"`
}

type azRetry struct {
	Condition   string     `xml:"condition,attr"`
	Count       int        `xml:"count,attr"`
	Interval    float64    `xml:"interval,attr"`
	MaxInterval float64    `xml:"max-interval,attr"`
	Forward     *azForward `xml:"forward-request"`
}

type azSetVariable struct {
	Name string `xml:"name,attr"`
}

type azChoose struct{}

var armNameRe = regexp.MustCompile(`'/([^']+)'`)

// nameSegments extracts the resource path segments from an ARM name, which is
// either a concat expression or a literal "api/operation/policy" path.
func nameSegments(name string) []string {
	if m := armNameRe.FindStringSubmatch(name); m != nil {
		return strings.Split(m[1], "/")
	}
	return strings.Split(name, "/")
}

// armOperation is one collected operation resource, policy attached later.
type armOperation struct {
	method      string
	urlTemplate string
	policy      string
}

// Import reverses the ARM mapping best-effort. Policy expressions (set-body,
// weighted routing) are dropped with a warning, never reverse-engineered.
func (p *Plugin) Import(data []byte) (*ir.Document, []provider.Warning, error) {
	if !gjson.ValidBytes(data) {
		return nil, nil, fmt.Errorf("failed to parse arm template: invalid json")
	}
	resources := gjson.GetBytes(data, "resources")
	if !resources.Exists() {
		return nil, nil, fmt.Errorf("arm template has no resources array")
	}

	var warnings []provider.Warning
	var apiOrder []string
	services := map[string]*ir.Service{}
	opsByAPI := map[string][]*armOperation{}
	opIndex := map[string]*armOperation{}
	var parseErr error

	resources.ForEach(func(_, r gjson.Result) bool {
		segs := nameSegments(r.Get("name").String())
		switch r.Get("type").String() {
		case typeAPI:
			svc, err := importAPI(segs[0], r)
			if err != nil {
				parseErr = err
				return false
			}
			apiOrder = append(apiOrder, segs[0])
			services[segs[0]] = svc

		case typeOperation:
			if len(segs) < 2 {
				return true
			}
			op := &armOperation{
				method:      r.Get("properties.method").String(),
				urlTemplate: r.Get("properties.urlTemplate").String(),
			}
			opsByAPI[segs[0]] = append(opsByAPI[segs[0]], op)
			opIndex[segs[0]+"/"+segs[1]] = op

		case typePolicy:
			if len(segs) < 3 {
				return true
			}
			if op := opIndex[segs[0]+"/"+segs[1]]; op != nil {
				op.policy = r.Get("properties.value").String()
			}

		default:
			warnings = append(warnings, provider.Unsupported(capability.Feature("azure.resource"),
				"resource type %q has no IR equivalent; dropped", r.Get("type").String()))
		}
		return true
	})
	if parseErr != nil {
		return nil, warnings, parseErr
	}

	doc := &ir.Document{}
	for _, name := range apiOrder {
		svc := services[name]
		w, err := importRoutes(svc, opsByAPI[name])
		warnings = append(warnings, w...)
		if err != nil {
			return nil, warnings, fmt.Errorf("api %s: %w", name, err)
		}
		doc.Services = append(doc.Services, *svc)
	}

	return doc, warnings, nil
}

func importAPI(name string, r gjson.Result) (*ir.Service, error) {
	svc := &ir.Service{Name: name, Protocol: ir.ProtocolHTTP}

	raw := r.Get("properties.serviceUrl").String()
	if raw == "" {
		return svc, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed serviceUrl %q: %w", raw, err)
	}
	port := 80
	if u.Scheme == "https" {
		svc.Protocol = ir.ProtocolHTTPS
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("malformed serviceUrl %q: %w", raw, err)
		}
	}
	svc.Upstream.Host = u.Hostname()
	svc.Upstream.Port = port
	return svc, nil
}

// importRoutes folds the flat operation list back into routes: operations
// sharing a urlTemplate are one route, and an operation set covering every
// verb means the route had no method filter.
func importRoutes(svc *ir.Service, ops []*armOperation) ([]provider.Warning, error) {
	var warnings []provider.Warning

	type group struct {
		prefix  string
		methods []string
		policy  string
	}
	var order []string
	groups := map[string]*group{}

	for _, op := range ops {
		g, ok := groups[op.urlTemplate]
		if !ok {
			g = &group{prefix: prefixFromTemplate(op.urlTemplate)}
			groups[op.urlTemplate] = g
			order = append(order, op.urlTemplate)
		}
		g.methods = append(g.methods, op.method)
		if g.policy == "" {
			g.policy = op.policy
		}
	}

	for _, tpl := range order {
		g := groups[tpl]
		route := ir.Route{PathPrefix: g.prefix}
		if !coversAllVerbs(g.methods) {
			route.Methods = g.methods
		}
		if g.policy != "" {
			w, err := importPolicy(g.policy, &route)
			warnings = append(warnings, w...)
			if err != nil {
				return warnings, fmt.Errorf("route %s: %w", g.prefix, err)
			}
		}
		svc.Routes = append(svc.Routes, route)
	}

	return warnings, nil
}

func prefixFromTemplate(tpl string) string {
	prefix := strings.TrimSuffix(tpl, "/*")
	if prefix == "" {
		return "/"
	}
	return prefix
}

func coversAllVerbs(methods []string) bool {
	if len(methods) < len(allVerbs) {
		return false
	}
	seen := map[string]bool{}
	for _, m := range methods {
		seen[strings.ToUpper(m)] = true
	}
	for _, v := range allVerbs {
		if !seen[v] {
			return false
		}
	}
	return true
}

// set-body expression blocks carry raw C# generics (As<JObject>) that are not
// well-formed XML. The content is dropped on import anyway, so it is blanked
// before parsing.
var setBodyRe = regexp.MustCompile(`(?s)<set-body>.*?</set-body>`)

func importPolicy(raw string, route *ir.Route) ([]provider.Warning, error) {
	raw = setBodyRe.ReplaceAllString(raw, "<set-body></set-body>")

	var pd policyDoc
	if err := xml.Unmarshal([]byte(raw), &pd); err != nil {
		return nil, fmt.Errorf("failed to parse policy xml: %w", err)
	}

	var warnings []provider.Warning
	warnings = append(warnings, importInbound(&pd.Inbound, route)...)
	warnings = append(warnings, importBackend(&pd.Backend, route)...)
	warnings = append(warnings, importOutbound(&pd.Outbound, route)...)

	// Cache needs both halves: lookup carries the key strategy, store the TTL.
	if pd.Inbound.CacheLookup != nil {
		cache := &ir.Cache{Enabled: true, CacheKey: ir.CacheKeyPath}
		for _, q := range pd.Inbound.CacheLookup.VaryByQuery {
			if q == "*" {
				cache.CacheKey = ir.CacheKeyPathQuery
			}
		}
		if pd.Outbound.CacheStore != nil {
			cache.TTL = pd.Outbound.CacheStore.Duration
		}
		route.Cache = cache
	}

	return warnings, nil
}

func importInbound(s *policySection, route *ir.Route) []provider.Warning {
	var warnings []provider.Warning

	if c := s.Cors; c != nil {
		route.CORS = &ir.CORS{
			Enabled:          true,
			AllowedOrigins:   c.Origins,
			AllowedMethods:   c.Methods.Methods,
			AllowedHeaders:   c.Headers,
			AllowCredentials: c.AllowCredentials,
			MaxAge:           float64(c.Methods.MaxAge),
		}
	}

	if b := s.AuthBasic; b != nil {
		route.Authentication = &ir.Authentication{
			Type:  ir.AuthBasic,
			Basic: &ir.BasicAuth{Users: map[string]string{b.Username: b.Password}},
		}
		warnings = append(warnings, provider.Partial(capability.AuthBasic,
			"authentication-basic names backend credentials; imported as the route's only user"))
	}

	if ch := s.CheckHeader; ch != nil {
		route.Authentication = &ir.Authentication{
			Type:        ir.AuthAPIKey,
			APIKey:      &ir.APIKeyAuth{Header: ch.Name, Keys: ch.Values},
			FailStatus:  ch.Status,
			FailMessage: ch.Message,
		}
	}

	if vj := s.ValidateJWT; vj != nil {
		route.Authentication = importValidateJWT(vj)
	}

	if rl := s.RateLimit; rl != nil {
		route.RateLimit = importRateLimit(rl)
	}

	addHeaderPolicies(s.SetHeaders, route, false)

	if s.SetBody != nil {
		warnings = append(warnings, provider.Partial(capability.BodyTransform,
			"set-body policy expressions cannot be mapped back to field transforms; dropped"))
	}
	if s.Choose != nil {
		warnings = append(warnings, provider.Partial(capability.MultiTarget,
			"weighted-random backend selection cannot be mapped back to an upstream pool; extra targets dropped"))
	}

	warnings = append(warnings, unknownWarnings(s)...)
	return warnings
}

func importBackend(s *policySection, route *ir.Route) []provider.Warning {
	forward := s.Forward

	if rt := s.Retry; rt != nil {
		route.Retry = &ir.Retry{
			Enabled:      true,
			Attempts:     rt.Count,
			RetryOn:      retryOnFromCondition(rt.Condition),
			BaseInterval: rt.Interval,
			MaxInterval:  rt.MaxInterval,
		}
		if forward == nil {
			forward = rt.Forward
		}
	}

	if forward != nil && forward.Timeout > 0 {
		route.Timeout = &ir.Timeout{Read: forward.Timeout}
	}

	return unknownWarnings(s)
}

func importOutbound(s *policySection, route *ir.Route) []provider.Warning {
	addHeaderPolicies(s.SetHeaders, route, true)
	return unknownWarnings(s)
}

func unknownWarnings(s *policySection) []provider.Warning {
	var warnings []provider.Warning
	for _, e := range s.Unknown {
		warnings = append(warnings, provider.Unsupported(capability.Feature("azure."+e.XMLName.Local),
			"policy <%s> has no IR equivalent; dropped", e.XMLName.Local))
	}
	return warnings
}

func importValidateJWT(vj *azValidateJWT) *ir.Authentication {
	jwt := &ir.JWTAuth{Audience: vj.Audiences}
	if len(vj.Issuers) > 0 {
		jwt.Issuer = vj.Issuers[0]
	}
	if vj.OpenIDConfig != nil {
		jwt.JWKSURI = vj.OpenIDConfig.URL
	}
	if len(vj.SigningKeys) > 0 {
		if secret, err := base64.StdEncoding.DecodeString(vj.SigningKeys[0]); err == nil {
			jwt.Secret = string(secret)
		}
	}
	if len(vj.Claims) > 0 {
		jwt.RequiredClaims = map[string]string{}
		for _, c := range vj.Claims {
			if len(c.Values) > 0 {
				jwt.RequiredClaims[c.Name] = c.Values[0]
			}
		}
	}
	return &ir.Authentication{
		Type:        ir.AuthJWT,
		JWT:         jwt,
		FailStatus:  vj.Status,
		FailMessage: vj.Message,
	}
}

var counterKeyRe = regexp.MustCompile(`GetValueOrDefault\("([^"]+)"`)

func importRateLimit(rl *azRateLimit) *ir.RateLimit {
	period := rl.RenewalPeriod
	if period <= 0 {
		period = 60
	}
	out := &ir.RateLimit{
		Enabled:           true,
		RequestsPerSecond: float64(rl.Calls) / period,
		KeyType:           ir.RateLimitKeyRemoteAddr,
	}

	names := counterKeyRe.FindAllStringSubmatch(rl.CounterKey, -1)
	switch {
	case strings.Contains(rl.CounterKey, "AsJwt"):
		out.KeyType = ir.RateLimitKeyJWTClaim
		// First capture is the Authorization header lookup, second the claim.
		if len(names) > 1 {
			out.KeyName = names[1][1]
		}
	case strings.Contains(rl.CounterKey, "Headers.GetValueOrDefault"):
		out.KeyType = ir.RateLimitKeyHeader
		if len(names) > 0 {
			out.KeyName = names[0][1]
		}
	}
	return out
}

func retryOnFromCondition(cond string) []string {
	if strings.Contains(cond, ">= 500") {
		return []string{ir.RetryOn5xx}
	}
	var out []string
	for _, pair := range [][2]string{
		{"== 502", ir.RetryOn502},
		{"== 503", ir.RetryOn503},
		{"== 504", ir.RetryOn504},
	} {
		if strings.Contains(cond, pair[0]) {
			out = append(out, pair[1])
		}
	}
	if len(out) == 0 {
		return []string{ir.RetryOn5xx}
	}
	return out
}

func addHeaderPolicies(headers []azSetHeader, route *ir.Route, response bool) {
	if len(headers) == 0 {
		return
	}
	if route.Headers == nil {
		route.Headers = &ir.Headers{}
	}
	h := route.Headers
	for _, sh := range headers {
		switch sh.ExistsAction {
		case "delete":
			if response {
				h.ResponseRemove = append(h.ResponseRemove, sh.Name)
			} else {
				h.RequestRemove = append(h.RequestRemove, sh.Name)
			}
		default:
			value := ""
			if len(sh.Values) > 0 {
				value = sh.Values[0]
			}
			if response {
				if h.ResponseAdd == nil {
					h.ResponseAdd = map[string]string{}
				}
				h.ResponseAdd[sh.Name] = value
			} else {
				if h.RequestAdd == nil {
					h.RequestAdd = map[string]string{}
				}
				h.RequestAdd[sh.Name] = value
			}
		}
	}
}
