package gcp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"

	"github.com/wudi/crossgw/internal/capability"
	"github.com/wudi/crossgw/internal/ir"
	"github.com/wudi/crossgw/internal/provider"
)

var operationIDRe = regexp.MustCompile(`^(.+)-r\d+-[a-z]+$`)

// Import reverses the OpenAPI mapping. Operations sharing a backend address
// fold into one service; the service name comes from the operationId when it
// follows the exported shape, otherwise from the backend host.
func (p *Plugin) Import(data []byte) (*ir.Document, []provider.Warning, error) {
	var spec openapi2.T
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, nil, fmt.Errorf("failed to parse openapi config: %w", err)
	}

	var warnings []provider.Warning

	pathKeys := make([]string, 0, len(spec.Paths))
	for k := range spec.Paths {
		pathKeys = append(pathKeys, k)
	}
	sort.Strings(pathKeys)

	byAddress := map[string]*ir.Service{}
	var addressOrder []string

	for _, key := range pathKeys {
		ops := operationsOf(spec.Paths[key])
		if len(ops) == 0 {
			continue
		}

		backend := extMap(ops[0].op.Extensions[extBackend])
		address := extString(backend, "address")
		if address == "" {
			warnings = append(warnings, provider.Unsupported(capability.Feature("gcp.operation"),
				"path %s has no x-google-backend address; dropped", key))
			continue
		}

		svc := byAddress[address]
		if svc == nil {
			var err error
			svc, err = serviceForAddress(address, ops[0].op.OperationID)
			if err != nil {
				return nil, warnings, err
			}
			byAddress[address] = svc
			addressOrder = append(addressOrder, address)
		}

		route := ir.Route{PathPrefix: prefixFromKey(key)}
		for _, mo := range ops {
			route.Methods = append(route.Methods, mo.method)
		}
		if len(route.Methods) == len(verbOrder) {
			route.Methods = nil
		}

		if d := extFloat(backend, "deadline"); d > 0 {
			route.Timeout = &ir.Timeout{Read: d}
		}

		auth, w := importAuth(&spec, ops[0].op)
		warnings = append(warnings, w...)
		route.Authentication = auth

		svc.Routes = append(svc.Routes, route)
	}

	doc := &ir.Document{}
	for _, address := range addressOrder {
		doc.Services = append(doc.Services, *byAddress[address])
	}

	return doc, warnings, nil
}

func serviceForAddress(address, operationID string) (*ir.Service, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("malformed backend address %q: %w", address, err)
	}

	svc := &ir.Service{Protocol: ir.ProtocolHTTP}
	port := 80
	if u.Scheme == "https" {
		svc.Protocol = ir.ProtocolHTTPS
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("malformed backend address %q: %w", address, err)
		}
	}
	svc.Upstream.Host = u.Hostname()
	svc.Upstream.Port = port

	if m := operationIDRe.FindStringSubmatch(operationID); m != nil {
		svc.Name = m[1]
	} else {
		svc.Name = strings.ReplaceAll(u.Hostname(), ".", "-")
	}
	return svc, nil
}

func prefixFromKey(key string) string {
	prefix := strings.TrimSuffix(key, "/**")
	if prefix == "" {
		return "/"
	}
	return prefix
}

func importAuth(spec *openapi2.T, op *openapi2.Operation) (*ir.Authentication, []provider.Warning) {
	if op.Security == nil || len(*op.Security) == 0 {
		return nil, nil
	}

	var defName string
	for name := range (*op.Security)[0] {
		defName = name
		break
	}
	scheme := spec.SecurityDefinitions[defName]
	if scheme == nil {
		return nil, []provider.Warning{provider.Unsupported(capability.Feature("gcp.security"),
			"security definition %q is missing; dropped", defName)}
	}

	switch scheme.Type {
	case "apiKey":
		key := &ir.APIKeyAuth{}
		if scheme.In == "query" {
			key.QueryParam = scheme.Name
		} else {
			key.Header = scheme.Name
		}
		return &ir.Authentication{Type: ir.AuthAPIKey, APIKey: key}, nil

	case "oauth2":
		jwt := &ir.JWTAuth{
			Issuer:  extString(scheme.Extensions, "x-google-issuer"),
			JWKSURI: extString(scheme.Extensions, "x-google-jwks_uri"),
		}
		if jwt.Issuer == "" {
			jwt.Issuer = scheme.AuthorizationURL
		}
		if audiences := extString(scheme.Extensions, "x-google-audiences"); audiences != "" {
			jwt.Audience = strings.Split(audiences, ",")
		}
		return &ir.Authentication{Type: ir.AuthJWT, JWT: jwt}, nil
	}

	return nil, []provider.Warning{provider.Unsupported(capability.Feature("gcp.security"),
		"security type %q has no IR equivalent; dropped", scheme.Type)}
}

// Extension values arrive as decoded JSON or raw bytes depending on how the
// document was built; both shapes are accepted.

func extMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(t, &m); err == nil {
			return m
		}
	}
	return nil
}

func extString(m map[string]any, key string) string {
	switch t := m[key].(type) {
	case string:
		return t
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(t, &s); err == nil {
			return s
		}
	}
	return ""
}

func extFloat(m map[string]any, key string) float64 {
	switch t := m[key].(type) {
	case float64:
		return t
	case json.RawMessage:
		var f float64
		if err := json.Unmarshal(t, &f); err == nil {
			return f
		}
	}
	return 0
}
