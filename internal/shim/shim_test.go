package shim

import (
	"strings"
	"testing"

	"github.com/wudi/crossgw/internal/ir"
)

func TestGenerateLuaBodyTransformKong(t *testing.T) {
	out, err := Generate(KindLuaBodyTransform, Params{
		Runtime:      "kong",
		AddFields:    map[string]string{"source": "gateway", "trace_id": "{{uuid}}"},
		RemoveFields: []string{"debug"},
		Resolver:     fixedResolver(),
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	for _, want := range []string{
		`local cjson = require("cjson.safe")`,
		"local function gen_uuid()",
		`data["source"] = "gateway"`,
		`data["trace_id"] = gen_uuid()`,
		`data["debug"] = nil`,
		"kong.service.request.set_raw_body(cjson.encode(data))",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestGenerateLuaBodyTransformAPISIX(t *testing.T) {
	out, err := Generate(KindLuaBodyTransform, Params{
		Runtime:   "apisix",
		AddFields: map[string]string{"source": "gateway"},
		Resolver:  fixedResolver(),
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.Contains(out, "return function(conf, ctx)") {
		t.Errorf("apisix shim must be a serverless function:\n%s", out)
	}
	if !strings.Contains(out, "ngx.req.set_body_data(cjson.encode(data))") {
		t.Errorf("apisix shim must write via ngx:\n%s", out)
	}
	if strings.Contains(out, "gen_uuid") {
		t.Errorf("uuid helper emitted without a uuid placeholder:\n%s", out)
	}
}

func TestGenerateLuaBodyTransformUnknownRuntime(t *testing.T) {
	if _, err := Generate(KindLuaBodyTransform, Params{Runtime: "nginx"}); err == nil {
		t.Fatal("expected unknown runtime error")
	}
}

func TestGenerateDeterministic(t *testing.T) {
	p := Params{
		Runtime:      "kong",
		AddFields:    map[string]string{"b": "2", "a": "1", "c": "3"},
		RemoveFields: []string{"x"},
		Resolver:     fixedResolver(),
	}
	first, err := Generate(KindLuaBodyTransform, p)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		p.Resolver = fixedResolver()
		out, err := Generate(KindLuaBodyTransform, p)
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if out != first {
			t.Fatalf("output varies across runs:\n%s\n---\n%s", first, out)
		}
	}
	// Map iteration order must not leak into the output.
	if strings.Index(first, `data["a"]`) > strings.Index(first, `data["b"]`) {
		t.Errorf("add fields are not key-sorted:\n%s", first)
	}
}

func TestGenerateLuaResponseFilter(t *testing.T) {
	out, err := Generate(KindLuaResponseFilter, Params{
		Runtime:      "kong",
		FilterFields: []string{"internal_id", "cost"},
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.Contains(out, `data["internal_id"] = nil`) || !strings.Contains(out, `data["cost"] = nil`) {
		t.Errorf("filtered fields missing:\n%s", out)
	}
}

func TestGenerateLuaMirror(t *testing.T) {
	out, err := Generate(KindLuaMirror, Params{MirrorURL: "http://mirror.internal:9000/ingest"})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.Contains(out, `"http://mirror.internal:9000/ingest"`) {
		t.Errorf("mirror url missing:\n%s", out)
	}
	if !strings.Contains(out, "ngx.timer.at(0, mirror)") {
		t.Errorf("mirror must run off the request path:\n%s", out)
	}
}

func TestGenerateLuaMirrorRequiresURL(t *testing.T) {
	if _, err := Generate(KindLuaMirror, Params{}); err == nil {
		t.Fatal("expected missing url error")
	}
}

func TestGenerateEnvoyLuaBody(t *testing.T) {
	out, err := Generate(KindEnvoyLuaBody, Params{
		AddFields:    map[string]string{"source": "gateway"},
		FilterFields: []string{"secret"},
		Resolver:     fixedResolver(),
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.Contains(out, "function envoy_on_request(request_handle)") {
		t.Errorf("request hook missing:\n%s", out)
	}
	if !strings.Contains(out, "function envoy_on_response(response_handle)") {
		t.Errorf("response hook missing when filter fields are set:\n%s", out)
	}

	// Without filter fields the response hook is omitted entirely.
	out, err = Generate(KindEnvoyLuaBody, Params{
		AddFields: map[string]string{"source": "gateway"},
		Resolver:  fixedResolver(),
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if strings.Contains(out, "envoy_on_response") {
		t.Errorf("response hook emitted without filter fields:\n%s", out)
	}
}

func TestGenerateAzureSetBody(t *testing.T) {
	out, err := Generate(KindAzureSetBody, Params{
		AddFields:    map[string]string{"source": "gateway", "request_id": "{{uuid}}"},
		RemoveFields: []string{"debug"},
		Resolver:     fixedResolver(),
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	for _, want := range []string{
		"<set-body>@{",
		"context.Request.Body.As<JObject>(preserveContent: true)",
		`body["source"] = "gateway";`,
		`body["request_id"] = Guid.NewGuid().ToString();`,
		`body.Remove("debug");`,
		"}</set-body>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestGenerateAzureWeightedRoute(t *testing.T) {
	out, err := Generate(KindAzureWeightedRoute, Params{
		Scheme: "https",
		Targets: []ir.Target{
			{Host: "v1.internal", Port: 8443, Weight: 3},
			{Host: "v2.internal", Port: 8443, Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.Contains(out, `<set-variable name="crossgw-bucket"`) {
		t.Errorf("bucket variable missing:\n%s", out)
	}
	if !strings.Contains(out, "&lt;= 75") {
		t.Errorf("first range upper bound missing:\n%s", out)
	}
	if !strings.Contains(out, `<set-backend-service base-url="https://v1.internal:8443" />`) {
		t.Errorf("first target branch missing:\n%s", out)
	}
	// Last target is the otherwise branch, no upper-bound condition of its own.
	otherwise := out[strings.Index(out, "<otherwise>"):]
	if !strings.Contains(otherwise, `base-url="https://v2.internal:8443"`) {
		t.Errorf("last target must be the otherwise branch:\n%s", out)
	}
	if strings.Contains(out, "&lt;= 100") {
		t.Errorf("upper bound of the last range must not be a condition:\n%s", out)
	}
}

func TestGenerateAzureWeightedRouteRequiresTargets(t *testing.T) {
	if _, err := Generate(KindAzureWeightedRoute, Params{}); err == nil {
		t.Fatal("expected missing targets error")
	}
}

func TestGenerateUnknownKind(t *testing.T) {
	if _, err := Generate(Kind("teleport"), Params{}); err == nil {
		t.Fatal("expected unknown kind error")
	}
}
