package shim

import (
	"strings"
	"testing"
	"time"
)

func fixedResolver() *Resolver {
	return NewTestResolver(
		strings.NewReader(strings.Repeat("\x42", 64)),
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	)
}

func TestAsPlaceholder(t *testing.T) {
	tests := []struct {
		value string
		want  Placeholder
		ok    bool
	}{
		{"{{uuid}}", PlaceholderUUID, true},
		{"{{now}}", PlaceholderNow, true},
		{"{{timestamp}}", PlaceholderTimestamp, true},
		{" {{uuid}} ", PlaceholderUUID, true},
		{"{{unknown}}", "", false},
		{"literal", "", false},
		{"prefix {{uuid}}", "", false},
	}
	for _, tt := range tests {
		got, ok := AsPlaceholder(tt.value)
		if ok != tt.ok || got != tt.want {
			t.Errorf("AsPlaceholder(%q) = (%q, %v), want (%q, %v)", tt.value, got, ok, tt.want, tt.ok)
		}
	}
}

func TestHasPlaceholders(t *testing.T) {
	if !HasPlaceholders(map[string]string{"a": "x", "b": "{{uuid}}"}) {
		t.Error("expected placeholder detection")
	}
	if HasPlaceholders(map[string]string{"a": "x"}) {
		t.Error("literal-only map should report false")
	}
}

func TestResolveLuaDialect(t *testing.T) {
	r := fixedResolver()
	tests := []struct {
		p    Placeholder
		want string
	}{
		{PlaceholderUUID, "gen_uuid()"},
		{PlaceholderNow, `os.date("!%Y-%m-%dT%H:%M:%SZ")`},
		{PlaceholderTimestamp, "os.time()"},
	}
	for _, tt := range tests {
		got, err := r.Resolve(tt.p, DialectLua)
		if err != nil {
			t.Fatalf("Resolve(%s, lua) failed: %v", tt.p, err)
		}
		if got != tt.want {
			t.Errorf("Resolve(%s, lua) = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestResolveAzureDialect(t *testing.T) {
	r := fixedResolver()
	got, err := r.Resolve(PlaceholderUUID, DialectAzurePolicy)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != "@(Guid.NewGuid().ToString())" {
		t.Errorf("uuid expression = %q", got)
	}
}

func TestResolveLiteralDialect(t *testing.T) {
	r := fixedResolver()

	u, err := r.Resolve(PlaceholderUUID, DialectLiteral)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	// Fixed 0x42 byte source; version and variant bits are forced by the
	// uuid library.
	if u != "42424242-4242-4242-8242-424242424242" {
		t.Errorf("uuid = %q", u)
	}

	now, err := r.Resolve(PlaceholderNow, DialectLiteral)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if now != "2025-06-01T00:00:00Z" {
		t.Errorf("now = %q", now)
	}

	ts, err := r.Resolve(PlaceholderTimestamp, DialectLiteral)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if ts != "1748736000" {
		t.Errorf("timestamp = %q", ts)
	}
}

func TestResolveValue(t *testing.T) {
	r := fixedResolver()

	got, wasPlaceholder, err := r.ResolveValue("plain", DialectLua)
	if err != nil || wasPlaceholder || got != "plain" {
		t.Errorf("literal value = (%q, %v, %v)", got, wasPlaceholder, err)
	}

	got, wasPlaceholder, err = r.ResolveValue("{{timestamp}}", DialectLua)
	if err != nil || !wasPlaceholder || got != "os.time()" {
		t.Errorf("placeholder value = (%q, %v, %v)", got, wasPlaceholder, err)
	}
}
