package shim

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Placeholder is one entry of the closed placeholder vocabulary accepted in
// body transformation values. Placeholders are resolved into provider-native
// expression syntax (or a literal, for test mode) at generation time; the
// compiler never executes them.
type Placeholder string

const (
	PlaceholderUUID      Placeholder = "{{uuid}}"
	PlaceholderNow       Placeholder = "{{now}}"
	PlaceholderTimestamp Placeholder = "{{timestamp}}"
)

// Dialect selects the expression syntax placeholders resolve into.
type Dialect string

const (
	// DialectLua produces Lua expressions for script-capable gateways.
	DialectLua Dialect = "lua"
	// DialectAzurePolicy produces APIM policy expressions.
	DialectAzurePolicy Dialect = "azure_policy"
	// DialectLiteral resolves the placeholder to a concrete value at
	// generation time using the resolver's uuid source and clock.
	DialectLiteral Dialect = "literal"
)

// AsPlaceholder reports whether a value is exactly one placeholder token.
func AsPlaceholder(value string) (Placeholder, bool) {
	switch p := Placeholder(strings.TrimSpace(value)); p {
	case PlaceholderUUID, PlaceholderNow, PlaceholderTimestamp:
		return p, true
	}
	return "", false
}

// HasPlaceholders reports whether any map value is a placeholder.
func HasPlaceholders(fields map[string]string) bool {
	for _, v := range fields {
		if _, ok := AsPlaceholder(v); ok {
			return true
		}
	}
	return false
}

// Resolver resolves placeholders. The zero value is not usable; NewResolver
// wires the crypto/rand uuid source and the wall clock, NewTestResolver pins
// both so generated output is byte-stable in tests.
type Resolver struct {
	uuidSource io.Reader
	now        func() time.Time
}

// NewResolver returns a production resolver.
func NewResolver() *Resolver {
	return &Resolver{uuidSource: rand.Reader, now: time.Now}
}

// NewTestResolver returns a resolver with a fixed uuid byte source and a
// fixed clock, for deterministic generation.
func NewTestResolver(uuidBytes io.Reader, now time.Time) *Resolver {
	return &Resolver{uuidSource: uuidBytes, now: func() time.Time { return now }}
}

// Resolve maps a placeholder into the given dialect.
func (r *Resolver) Resolve(p Placeholder, d Dialect) (string, error) {
	switch d {
	case DialectLua:
		switch p {
		case PlaceholderUUID:
			return "gen_uuid()", nil
		case PlaceholderNow:
			return `os.date("!%Y-%m-%dT%H:%M:%SZ")`, nil
		case PlaceholderTimestamp:
			return "os.time()", nil
		}
	case DialectAzurePolicy:
		switch p {
		case PlaceholderUUID:
			return "@(Guid.NewGuid().ToString())", nil
		case PlaceholderNow:
			return `@(DateTime.UtcNow.ToString("o"))`, nil
		case PlaceholderTimestamp:
			return "@(DateTimeOffset.UtcNow.ToUnixTimeSeconds().ToString())", nil
		}
	case DialectLiteral:
		switch p {
		case PlaceholderUUID:
			u, err := uuid.NewRandomFromReader(r.uuidSource)
			if err != nil {
				return "", fmt.Errorf("failed to generate uuid: %w", err)
			}
			return u.String(), nil
		case PlaceholderNow:
			return r.now().UTC().Format(time.RFC3339), nil
		case PlaceholderTimestamp:
			return strconv.FormatInt(r.now().UTC().Unix(), 10), nil
		}
	}
	return "", fmt.Errorf("unknown placeholder %q for dialect %s", p, d)
}

// ResolveValue resolves a field value: placeholder tokens go through Resolve,
// anything else is returned as a literal with the second result false.
func (r *Resolver) ResolveValue(value string, d Dialect) (resolved string, wasPlaceholder bool, err error) {
	p, ok := AsPlaceholder(value)
	if !ok {
		return value, false, nil
	}
	out, err := r.Resolve(p, d)
	return out, true, err
}
