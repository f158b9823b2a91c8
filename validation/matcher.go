package validation

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/warp/welfare-ledger/ledger"
)

// DefaultThreshold is the minimum similarity for a catalog match.
const DefaultThreshold = 0.85

// Normalize folds accents and case and collapses punctuation and spacing,
// so "Feijão  Carioca-1kg" and "FEIJAO CARIOCA 1KG" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// Similarity is 1 - levenshtein/maxLen over normalized names, in [0, 1].
func Similarity(a, b string) float64 {
	return similarity([]rune(Normalize(a)), []rune(Normalize(b)))
}

func similarity(a, b []rune) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein computes edit distance over runes with a single reused row.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	if len(a) > len(b) {
		a, b = b, a
	}

	previous := make([]int, len(a)+1)
	for i := range previous {
		previous[i] = i
	}

	for j := 1; j <= len(b); j++ {
		current := make([]int, len(a)+1)
		current[0] = j

		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			current[i] = min(previous[i]+1, current[i-1]+1, previous[i-1]+cost)
		}

		previous = current
	}

	return previous[len(a)]
}

// =============================================================================
// MATCHER
// =============================================================================

type entry struct {
	product ledger.Product
	key     []rune
}

// Matcher finds the closest catalog product for a receipt line.
type Matcher struct {
	Threshold float64

	exact   map[string]int
	entries []entry
}

func NewMatcher(products []ledger.Product, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	m := &Matcher{Threshold: threshold, exact: make(map[string]int, len(products))}
	for _, p := range products {
		m.Add(p)
	}
	return m
}

// Add makes p matchable. The first product with a given normalized name wins.
func (m *Matcher) Add(p ledger.Product) {
	key := Normalize(p.Name)
	if _, ok := m.exact[key]; ok {
		return
	}
	m.exact[key] = len(m.entries)
	m.entries = append(m.entries, entry{product: p, key: []rune(key)})
}

// Match returns the best product scoring at least Threshold. Ties go to the
// product added first.
func (m *Matcher) Match(name string) (ledger.Product, float64, bool) {
	key := Normalize(name)
	if i, ok := m.exact[key]; ok {
		return m.entries[i].product, 1, true
	}

	runesKey := []rune(key)
	best, bestScore := -1, 0.0
	for i, e := range m.entries {
		if score := similarity(runesKey, e.key); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 || bestScore < m.Threshold {
		return ledger.Product{}, bestScore, false
	}
	return m.entries[best].product, bestScore, true
}
