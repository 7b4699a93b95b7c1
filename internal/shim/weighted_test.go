package shim

import (
	"testing"

	"github.com/wudi/crossgw/internal/ir"
)

func TestWeightedRanges(t *testing.T) {
	tests := []struct {
		name    string
		weights []int
		want    [][2]int // inclusive from/to per live target
	}{
		{"three to one", []int{3, 1}, [][2]int{{1, 75}, {76, 100}}},
		{"even split", []int{1, 1}, [][2]int{{1, 50}, {51, 100}}},
		{"remainder goes to first", []int{1, 1, 1}, [][2]int{{1, 34}, {35, 67}, {68, 100}}},
		{"single target", []int{5}, [][2]int{{1, 100}}},
		{"zero weight excluded", []int{2, 0, 2}, [][2]int{{1, 50}, {51, 100}}},
		{"all zero treated uniform", []int{0, 0}, [][2]int{{1, 50}, {51, 100}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets := make([]ir.Target, len(tt.weights))
			for i, w := range tt.weights {
				targets[i] = ir.Target{Host: "h", Port: 80, Weight: w}
			}
			got := WeightedRanges(targets)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d ranges, want %d: %+v", len(got), len(tt.want), got)
			}
			for i, r := range got {
				if r.From != tt.want[i][0] || r.To != tt.want[i][1] {
					t.Errorf("range[%d] = [%d,%d], want [%d,%d]", i, r.From, r.To, tt.want[i][0], tt.want[i][1])
				}
			}
			if got[0].From != 1 || got[len(got)-1].To != 100 {
				t.Errorf("ranges must cover [1,100]: %+v", got)
			}
			for i := 1; i < len(got); i++ {
				if got[i].From != got[i-1].To+1 {
					t.Errorf("ranges must be contiguous at %d: %+v", i, got)
				}
			}
		})
	}
}

func TestWeightedRangesEmpty(t *testing.T) {
	if got := WeightedRanges(nil); got != nil {
		t.Errorf("no targets should yield no ranges, got %+v", got)
	}
}
