package poker

import (
	"math"
	"slices"
	"strconv"
	"strings"
)

// NoAverage is shown when no vote is numeric.
const NoAverage = "—"

type Bucket struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type Tally struct {
	Total        int      `json:"total"`
	Numeric      int      `json:"numeric"`
	Average      string   `json:"average"`
	Distribution []Bucket `json:"distribution"`
}

// ComputeTally summarizes vote values. Buckets follow the deck order; values
// outside the deck come last in lexical order.
func ComputeTally(values []string, deck []string) Tally {
	t := Tally{Total: len(values), Average: NoAverage}

	var sum float64
	counts := make(map[string]int)
	for _, v := range values {
		counts[v]++
		if n, ok := numericValue(v); ok {
			sum += n
			t.Numeric++
		}
	}
	if t.Numeric > 0 {
		t.Average = FormatAverage(sum / float64(t.Numeric))
	}

	for _, card := range deck {
		if c, ok := counts[card]; ok {
			t.Distribution = append(t.Distribution, Bucket{Value: card, Count: c})
			delete(counts, card)
		}
	}
	rest := make([]string, 0, len(counts))
	for v := range counts {
		rest = append(rest, v)
	}
	slices.Sort(rest)
	for _, v := range rest {
		t.Distribution = append(t.Distribution, Bucket{Value: v, Count: counts[v]})
	}
	return t
}

// FormatAverage rounds half away from zero to one decimal, "6" becoming "6.0".
func FormatAverage(avg float64) string {
	return strconv.FormatFloat(math.Round(avg*10)/10, 'f', 1, 64)
}

func numericValue(v string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func valuesOf(entries map[string]VoteEntry) []string {
	values := make([]string, 0, len(entries))
	for _, e := range entries {
		values = append(values, e.Value)
	}
	return values
}
