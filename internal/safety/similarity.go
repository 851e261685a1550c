package safety

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Similarity returns a normalized Levenshtein ratio in [0,1] between two
// agent outputs. 1.0 means identical after normalization. Outputs are
// lowercased and whitespace-collapsed first so trivial formatting drift does
// not mask a repetition loop.
func Similarity(a, b string) float64 {
	a = normalize(a)
	b = normalize(b)
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	distance := dmp.DiffLevenshtein(diffs)

	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	return 1.0 - float64(distance)/float64(longest)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
