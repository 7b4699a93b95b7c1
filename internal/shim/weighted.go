package shim

import "github.com/wudi/crossgw/internal/ir"

// Range assigns a target a contiguous sub-range of [1,100] proportional to
// its weight.
type Range struct {
	Host   string
	Port   int
	Weight int
	From   int // inclusive
	To     int // inclusive
}

// WeightedRanges partitions [1,100] across targets in declaration order,
// proportionally to their weights. Zero-weight targets receive no range.
// When the shares do not divide 100 evenly, the whole remainder goes to the
// first non-zero-weight target in declaration order; this is an observable
// contract, not an accident of implementation.
func WeightedRanges(targets []ir.Target) []Range {
	var live []ir.Target
	total := 0
	for _, t := range targets {
		if t.Weight > 0 {
			live = append(live, t)
			total += t.Weight
		}
	}
	if len(live) == 0 {
		// All weights zero: treat as uniform.
		for _, t := range targets {
			t.Weight = 1
			live = append(live, t)
		}
		total = len(live)
	}
	if len(live) == 0 {
		return nil
	}

	shares := make([]int, len(live))
	sum := 0
	for i, t := range live {
		shares[i] = t.Weight * 100 / total
		sum += shares[i]
	}
	shares[0] += 100 - sum

	out := make([]Range, len(live))
	from := 1
	for i, t := range live {
		out[i] = Range{
			Host:   t.Host,
			Port:   t.Port,
			Weight: t.Weight,
			From:   from,
			To:     from + shares[i] - 1,
		}
		from += shares[i]
	}
	return out
}
