package driver

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/wudi/crossgw/internal/ir"
	_ "github.com/wudi/crossgw/internal/provider/kong"
)

const validDoc = `
services:
  - name: shop
    protocol: http
    upstream:
      host: shop.internal
      port: 8080
    routes:
      - path_prefix: /orders
        methods: [GET, POST]
`

const breakerDoc = `
services:
  - name: shop
    protocol: http
    upstream:
      host: shop.internal
      port: 8080
      circuit_breaker:
        enabled: true
        max_failures: 5
        timeout: 30
    routes:
      - path_prefix: /
`

const wildcardCredentialsDoc = `
services:
  - name: shop
    protocol: http
    upstream:
      host: shop.internal
      port: 8080
    routes:
      - path_prefix: /
        cors:
          enabled: true
          allowed_origins: ["*"]
          allow_credentials: true
`

func opts(provider string, advisory ...string) Options {
	return Options{Provider: provider, AdvisoryRules: advisory, Logger: zap.NewNop()}
}

func TestExportSuccess(t *testing.T) {
	res := Export([]byte(validDoc), opts("kong"))
	if res.Err != nil {
		t.Fatalf("export failed: %v", res.Err)
	}
	if res.State != StateSerialized {
		t.Errorf("state = %s, want %s", res.State, StateSerialized)
	}
	if res.Status != Success {
		t.Errorf("status = %s, want %s", res.Status, Success)
	}
	if len(res.Output) == 0 {
		t.Error("expected output bytes")
	}
}

func TestExportWarningsDowngradeToPartial(t *testing.T) {
	res := Export([]byte(breakerDoc), opts("kong"))
	if res.Err != nil {
		t.Fatalf("export failed: %v", res.Err)
	}
	if res.State != StateSerialized {
		t.Errorf("state = %s, want %s", res.State, StateSerialized)
	}
	if res.Status != PartialSuccess {
		t.Errorf("status = %s, want %s", res.Status, PartialSuccess)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected capability warnings")
	}
	if len(res.Output) == 0 {
		t.Error("partial success still produces output")
	}
}

func TestExportFatalValidationStopsAtValidated(t *testing.T) {
	res := Export([]byte(wildcardCredentialsDoc), opts("kong"))
	if res.Err == nil {
		t.Fatal("expected a fatal validation error")
	}
	if res.State != StateValidated {
		t.Errorf("state = %s, want %s", res.State, StateValidated)
	}
	if res.Status != Failure {
		t.Errorf("status = %s, want %s", res.Status, Failure)
	}
	if !ir.HasFatal(res.Findings) {
		t.Errorf("findings should include a fatal entry: %v", res.Findings)
	}
	if res.Output != nil {
		t.Error("failed compilation must not produce output")
	}
}

func TestExportAdvisoryOverride(t *testing.T) {
	res := Export([]byte(wildcardCredentialsDoc), opts("kong", ir.RuleCORSCredentialsWildcard))
	if res.Err != nil {
		t.Fatalf("downgraded rule should not abort: %v", res.Err)
	}
	if res.State != StateSerialized {
		t.Errorf("state = %s, want %s", res.State, StateSerialized)
	}
	if res.Status != PartialSuccess {
		t.Errorf("advisory finding should downgrade to partial, got %s", res.Status)
	}
	if ir.HasFatal(res.Findings) {
		t.Errorf("findings should all be advisory: %v", res.Findings)
	}
}

func TestExportUnknownProvider(t *testing.T) {
	res := Export([]byte(validDoc), opts("nginx"))
	if res.Err == nil || !strings.Contains(res.Err.Error(), "unknown provider") {
		t.Fatalf("expected unknown provider error, got %v", res.Err)
	}
	if res.Status != Failure {
		t.Errorf("status = %s, want %s", res.Status, Failure)
	}
}

func TestExportMalformedInput(t *testing.T) {
	res := Export([]byte("services: [{}"), opts("kong"))
	if res.Err == nil {
		t.Fatal("expected a load error")
	}
	if res.State != StateInitial {
		t.Errorf("state = %s, want %s", res.State, StateInitial)
	}
}

func TestImportRoundTrip(t *testing.T) {
	exported := Export([]byte(validDoc), opts("kong"))
	if exported.Err != nil {
		t.Fatalf("export failed: %v", exported.Err)
	}

	res := Import(exported.Output, opts("kong"))
	if res.Err != nil {
		t.Fatalf("import failed: %v", res.Err)
	}
	if res.State != StateSerialized {
		t.Errorf("state = %s, want %s", res.State, StateSerialized)
	}
	if res.Document == nil || len(res.Document.Services) != 1 {
		t.Fatalf("expected one recovered service, got %+v", res.Document)
	}
	if res.Document.Services[0].Name != "shop" {
		t.Errorf("service name = %q, want shop", res.Document.Services[0].Name)
	}

	// The emitted YAML must itself be a loadable document.
	if _, err := ir.NewLoader().Parse(res.Output); err != nil {
		t.Errorf("import output does not reload: %v", err)
	}
}

func TestImportUnknownProvider(t *testing.T) {
	res := Import([]byte("{}"), opts("nginx"))
	if res.Err == nil {
		t.Fatal("expected unknown provider error")
	}
	if res.State != StateInitial {
		t.Errorf("state = %s, want %s", res.State, StateInitial)
	}
}
