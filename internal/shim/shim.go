// Package shim generates embedded snippets (Lua scripts, Azure policy XML
// fragments) for IR features a target gateway has no first-class primitive
// for. Every generator is pure template expansion: structured parameters in,
// deterministic source text out. Shims are never executed by the compiler.
package shim

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/wudi/crossgw/internal/ir"
)

// Kind selects a shim generator.
type Kind string

const (
	// KindLuaBodyTransform injects and removes request body fields in Lua.
	// Params: Runtime (kong or apisix), AddFields, RemoveFields, Resolver.
	KindLuaBodyTransform Kind = "lua_body_transform"
	// KindLuaResponseFilter strips response body fields in Lua.
	// Params: Runtime, FilterFields.
	KindLuaResponseFilter Kind = "lua_response_filter"
	// KindLuaMirror emits a fire-and-forget request mirror in Lua.
	// Params: Runtime, MirrorURL.
	KindLuaMirror Kind = "lua_mirror"
	// KindEnvoyLuaBody injects and removes request body fields for Envoy's
	// Lua http filter. Params: AddFields, RemoveFields, FilterFields, Resolver.
	KindEnvoyLuaBody Kind = "envoy_lua_body"
	// KindAzureSetBody rewrites the request body via an APIM set-body policy
	// expression. Params: AddFields, RemoveFields, Resolver.
	KindAzureSetBody Kind = "azure_set_body"
	// KindAzureWeightedRoute emits the weighted-random backend selection
	// <choose> fragment. Params: Targets, Scheme.
	KindAzureWeightedRoute Kind = "azure_weighted_route"
)

// Params carries the structured inputs of a generator. Only the fields the
// kind documents are consulted.
type Params struct {
	Runtime      string // lua host: "kong" or "apisix"
	AddFields    map[string]string
	RemoveFields []string
	FilterFields []string
	Targets      []ir.Target
	Scheme       string
	MirrorURL    string
	Resolver     *Resolver
}

// Generate produces the shim text for a kind.
func Generate(kind Kind, p Params) (string, error) {
	if p.Resolver == nil {
		p.Resolver = NewResolver()
	}
	switch kind {
	case KindLuaBodyTransform:
		return generateLuaBodyTransform(p)
	case KindLuaResponseFilter:
		return generateLuaResponseFilter(p)
	case KindLuaMirror:
		return generateLuaMirror(p)
	case KindEnvoyLuaBody:
		return generateEnvoyLuaBody(p)
	case KindAzureSetBody:
		return generateAzureSetBody(p)
	case KindAzureWeightedRoute:
		return generateAzureWeightedRoute(p)
	}
	return "", fmt.Errorf("unknown shim kind %q", kind)
}

// field is a resolved add-field assignment, ordered by key for determinism.
type field struct {
	Key  string
	Expr string
}

func resolveFields(add map[string]string, d Dialect, r *Resolver) (fields []field, usesUUID bool, err error) {
	keys := make([]string, 0, len(add))
	for k := range add {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := add[k]
		expr, wasPlaceholder, err := r.ResolveValue(v, d)
		if err != nil {
			return nil, false, err
		}
		if wasPlaceholder {
			if p, _ := AsPlaceholder(v); p == PlaceholderUUID && d != DialectLiteral {
				usesUUID = true
			}
		} else {
			switch d {
			case DialectLua:
				expr = luaString(expr)
			case DialectAzurePolicy:
				expr = csharpString(expr)
			}
		}
		fields = append(fields, field{Key: k, Expr: expr})
	}
	return fields, usesUUID, nil
}

func luaString(s string) string {
	return fmt.Sprintf("%q", s)
}

func csharpString(s string) string {
	return fmt.Sprintf("%q", s)
}

func render(name, text string, data any) (string, error) {
	tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return "", fmt.Errorf("shim template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("shim template %s: %w", name, err)
	}
	return buf.String(), nil
}

// luaUUIDHelper is embedded when a shim uses the {{uuid}} placeholder. It
// avoids a resty dependency so the same helper runs under Kong and APISIX.
const luaUUIDHelper = `local function gen_uuid()
  local chars = {}
  for i = 1, 32 do
    chars[i] = string.format("%x", math.random(0, 15))
  end
  return table.concat(chars)
end`

const luaBodyKongTmpl = `-- generated by crossgw: request body transform
local cjson = require("cjson.safe")
{{- if .UsesUUID }}
{{ .UUIDHelper }}
{{- end }}
local body = kong.request.get_raw_body()
local data = (body and cjson.decode(body)) or {}
{{- range .Add }}
data[{{ .Key | quote }}] = {{ .Expr }}
{{- end }}
{{- range .Remove }}
data[{{ . | quote }}] = nil
{{- end }}
kong.service.request.set_raw_body(cjson.encode(data))
`

const luaBodyAPISIXTmpl = `-- generated by crossgw: request body transform
return function(conf, ctx)
  local cjson = require("cjson.safe")
{{- if .UsesUUID }}
{{ .UUIDHelper | indent 2 }}
{{- end }}
  ngx.req.read_body()
  local body = ngx.req.get_body_data()
  local data = (body and cjson.decode(body)) or {}
{{- range .Add }}
  data[{{ .Key | quote }}] = {{ .Expr }}
{{- end }}
{{- range .Remove }}
  data[{{ . | quote }}] = nil
{{- end }}
  ngx.req.set_body_data(cjson.encode(data))
end
`

func generateLuaBodyTransform(p Params) (string, error) {
	fields, usesUUID, err := resolveFields(p.AddFields, DialectLua, p.Resolver)
	if err != nil {
		return "", err
	}
	data := map[string]any{
		"Add":        fields,
		"Remove":     p.RemoveFields,
		"UsesUUID":   usesUUID,
		"UUIDHelper": luaUUIDHelper,
	}
	switch p.Runtime {
	case "apisix":
		return render("lua_body_apisix", luaBodyAPISIXTmpl, data)
	case "kong", "":
		return render("lua_body_kong", luaBodyKongTmpl, data)
	}
	return "", fmt.Errorf("unknown lua runtime %q", p.Runtime)
}

const luaResponseFilterKongTmpl = `-- generated by crossgw: response body filter
local cjson = require("cjson.safe")
local body = kong.response.get_raw_body()
local data = (body and cjson.decode(body)) or {}
{{- range .Filter }}
data[{{ . | quote }}] = nil
{{- end }}
kong.response.set_raw_body(cjson.encode(data))
`

const luaResponseFilterAPISIXTmpl = `-- generated by crossgw: response body filter
return function(conf, ctx)
  local cjson = require("cjson.safe")
  local body = ngx.arg[1]
  local data = (body and cjson.decode(body)) or nil
  if data then
{{- range .Filter }}
    data[{{ . | quote }}] = nil
{{- end }}
    ngx.arg[1] = cjson.encode(data)
  end
end
`

func generateLuaResponseFilter(p Params) (string, error) {
	data := map[string]any{"Filter": p.FilterFields}
	switch p.Runtime {
	case "apisix":
		return render("lua_respfilter_apisix", luaResponseFilterAPISIXTmpl, data)
	case "kong", "":
		return render("lua_respfilter_kong", luaResponseFilterKongTmpl, data)
	}
	return "", fmt.Errorf("unknown lua runtime %q", p.Runtime)
}

const luaMirrorTmpl = `-- generated by crossgw: fire-and-forget request mirror
return function(conf, ctx)
  local http = require("resty.http")
  ngx.req.read_body()
  local body = ngx.req.get_body_data()
  local headers = ngx.req.get_headers()
  local mirror = function(premature)
    if premature then
      return
    end
    local client = http.new()
    client:set_timeout(2000)
    client:request_uri({{ .MirrorURL | quote }}, {
      method = ngx.req.get_method(),
      body = body,
      headers = headers,
    })
  end
  ngx.timer.at(0, mirror)
end
`

func generateLuaMirror(p Params) (string, error) {
	if p.MirrorURL == "" {
		return "", fmt.Errorf("mirror shim requires a target url")
	}
	return render("lua_mirror", luaMirrorTmpl, map[string]any{"MirrorURL": p.MirrorURL})
}

const envoyLuaBodyTmpl = `-- generated by crossgw: body transform filter
local cjson = require("cjson.safe")
{{- if .UsesUUID }}
{{ .UUIDHelper }}
{{- end }}
function envoy_on_request(request_handle)
  local body = request_handle:body()
  if body == nil then
    return
  end
  local data = cjson.decode(body:getBytes(0, body:length())) or {}
{{- range .Add }}
  data[{{ .Key | quote }}] = {{ .Expr }}
{{- end }}
{{- range .Remove }}
  data[{{ . | quote }}] = nil
{{- end }}
  request_handle:body():setBytes(cjson.encode(data))
end
{{- if .Filter }}

function envoy_on_response(response_handle)
  local body = response_handle:body()
  if body == nil then
    return
  end
  local data = cjson.decode(body:getBytes(0, body:length()))
  if data == nil then
    return
  end
{{- range .Filter }}
  data[{{ . | quote }}] = nil
{{- end }}
  response_handle:body():setBytes(cjson.encode(data))
end
{{- end }}
`

func generateEnvoyLuaBody(p Params) (string, error) {
	fields, usesUUID, err := resolveFields(p.AddFields, DialectLua, p.Resolver)
	if err != nil {
		return "", err
	}
	return render("envoy_lua_body", envoyLuaBodyTmpl, map[string]any{
		"Add":        fields,
		"Remove":     p.RemoveFields,
		"Filter":     p.FilterFields,
		"UsesUUID":   usesUUID,
		"UUIDHelper": luaUUIDHelper,
	})
}

const azureSetBodyTmpl = `<set-body>@{
    var body = context.Request.Body.As<JObject>(preserveContent: true);
{{- range .Add }}
    body[{{ .Key | quote }}] = {{ .Expr }};
{{- end }}
{{- range .Remove }}
    body.Remove({{ . | quote }});
{{- end }}
    return body.ToString();
}</set-body>`

func generateAzureSetBody(p Params) (string, error) {
	fields, _, err := resolveFields(p.AddFields, DialectAzurePolicy, p.Resolver)
	if err != nil {
		return "", err
	}
	// Policy expressions embed directly; @(...) wrappers become bare
	// expressions inside the @{ } block.
	for i := range fields {
		fields[i].Expr = stripExprWrapper(fields[i].Expr)
	}
	return render("azure_set_body", azureSetBodyTmpl, map[string]any{
		"Add":    fields,
		"Remove": p.RemoveFields,
	})
}

// stripExprWrapper unwraps @(expr) to expr for use inside an @{ } block.
func stripExprWrapper(s string) string {
	if strings.HasPrefix(s, "@(") && strings.HasSuffix(s, ")") {
		return s[2 : len(s)-1]
	}
	return s
}

const azureWeightedRouteTmpl = `<set-variable name="crossgw-bucket" value="@(new Random(context.RequestId.GetHashCode()).Next(1, 101))" />
<choose>
{{- range .Whens }}
    <when condition="@(context.Variables.GetValueOrDefault&lt;int&gt;(&quot;crossgw-bucket&quot;) &lt;= {{ .To }})">
        <set-backend-service base-url="{{ .URL }}" />
    </when>
{{- end }}
    <otherwise>
        <set-backend-service base-url="{{ .Last.URL }}" />
    </otherwise>
</choose>`

type weightedWhen struct {
	To  int
	URL string
}

// generateAzureWeightedRoute emits the weighted-random routing workaround:
// a random bucket in [1,100] and one <when> per target claiming a contiguous
// sub-range. Conditions test the upper bound only because <when> branches
// evaluate in order. The last target becomes the <otherwise> branch.
func generateAzureWeightedRoute(p Params) (string, error) {
	ranges := WeightedRanges(p.Targets)
	if len(ranges) == 0 {
		return "", fmt.Errorf("weighted route shim requires at least one target")
	}
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	whens := make([]weightedWhen, 0, len(ranges))
	for _, r := range ranges {
		whens = append(whens, weightedWhen{
			To:  r.To,
			URL: fmt.Sprintf("%s://%s:%d", scheme, r.Host, r.Port),
		})
	}
	last := whens[len(whens)-1]
	return render("azure_weighted_route", azureWeightedRouteTmpl, map[string]any{
		"Whens": whens[:len(whens)-1],
		"Last":  last,
	})
}
