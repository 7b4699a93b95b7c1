package units

import (
	"errors"
	"fmt"
)

// ErrUnmappedEnum is returned when a value has no entry in the provider's
// enum table. Callers report such values as unsupported; they are never
// guessed.
var ErrUnmappedEnum = errors.New("unmapped enum value")

// Domain identifies an enum vocabulary.
type Domain string

const (
	DomainLBAlgorithm Domain = "lb_algorithm"
)

// Per-provider bidirectional enum tables, canonical -> native. The reverse
// direction is derived at init so the two can never drift.
//
// "weighted" maps to the provider's round-robin family everywhere: weighting
// is expressed through target weights, not through a distinct algorithm.
var enumTables = map[string]map[Domain]map[string]string{
	"kong": {
		DomainLBAlgorithm: {
			"round_robin": "round-robin",
			"least_conn":  "least-connections",
			"ip_hash":     "consistent-hashing",
			"weighted":    "round-robin",
		},
	},
	"apisix": {
		DomainLBAlgorithm: {
			"round_robin": "roundrobin",
			"least_conn":  "least_conn",
			"ip_hash":     "chash",
			"weighted":    "roundrobin",
		},
	},
	"envoy": {
		DomainLBAlgorithm: {
			"round_robin": "ROUND_ROBIN",
			"least_conn":  "LEAST_REQUEST",
			"ip_hash":     "RING_HASH",
			"weighted":    "ROUND_ROBIN",
		},
	},
}

var reverseTables = buildReverse()

func buildReverse() map[string]map[Domain]map[string]string {
	out := make(map[string]map[Domain]map[string]string, len(enumTables))
	for provider, domains := range enumTables {
		out[provider] = make(map[Domain]map[string]string, len(domains))
		for domain, table := range domains {
			rev := make(map[string]string, len(table))
			for canonical, native := range table {
				// First canonical wins on collision ("weighted" aliases onto
				// the round-robin native value); round_robin is inserted
				// explicitly below to make the reverse mapping deterministic.
				if _, exists := rev[native]; !exists {
					rev[native] = canonical
				}
			}
			if native, ok := table["round_robin"]; ok {
				rev[native] = "round_robin"
			}
			out[provider][domain] = rev
		}
	}
	return out
}

// MapEnum maps a canonical enum value to the provider's native vocabulary.
func MapEnum(provider string, domain Domain, canonical string) (string, error) {
	table, ok := enumTables[provider][domain]
	if !ok {
		return "", fmt.Errorf("provider %q has no %s table", provider, domain)
	}
	native, ok := table[canonical]
	if !ok {
		return "", fmt.Errorf("%w: %s %q for provider %s", ErrUnmappedEnum, domain, canonical, provider)
	}
	return native, nil
}

// UnmapEnum maps a provider-native enum value back to canonical form.
func UnmapEnum(provider string, domain Domain, native string) (string, error) {
	table, ok := reverseTables[provider][domain]
	if !ok {
		return "", fmt.Errorf("provider %q has no %s table", provider, domain)
	}
	canonical, ok := table[native]
	if !ok {
		return "", fmt.Errorf("%w: %s %q for provider %s", ErrUnmappedEnum, domain, native, provider)
	}
	return canonical, nil
}
