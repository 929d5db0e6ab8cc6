package transform

import (
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"ferry/internal/model"
)

// Suggestion proposes a source header for a target field
type Suggestion struct {
	Target     string `json:"target"`
	Source     string `json:"source,omitempty"`
	Confidence int    `json:"confidence"`
	Accepted   bool   `json:"accepted"`
}

func normalise(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Similarity scores two field names in [0,100]. Case, spacing and punctuation
// are ignored; containment of one name in the other scores at least 60.
func Similarity(a, b string) int {
	na, nb := normalise(a), normalise(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 100
	}

	longest := len([]rune(na))
	if n := len([]rune(nb)); n > longest {
		longest = n
	}
	score := 100 - levenshtein.ComputeDistance(na, nb)*100/longest
	if score < 0 {
		score = 0
	}

	short, long := na, nb
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) >= 3 && strings.Contains(long, short) {
		if c := 60 + 40*len(short)/len(long); c > score {
			score = c
		}
	}
	return score
}

type candidate struct {
	target, source string
	score          int
	order          int
}

// Suggest pairs each target with its most similar header. A header is given to
// at most one target; higher confidence pairs win. Pairs scoring below threshold
// are returned with Accepted false and no source.
func Suggest(targets, headers []string, threshold int) []Suggestion {
	var cands []candidate
	for ti, t := range targets {
		for _, h := range headers {
			cands = append(cands, candidate{target: t, source: h, score: Similarity(t, h), order: ti})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].order < cands[j].order
	})

	best := make(map[string]Suggestion, len(targets))
	usedSource := make(map[string]bool)
	for _, c := range cands {
		if _, done := best[c.target]; done || usedSource[c.source] {
			continue
		}
		if c.score < threshold {
			continue
		}
		best[c.target] = Suggestion{Target: c.target, Source: c.source, Confidence: c.score, Accepted: true}
		usedSource[c.source] = true
	}

	out := make([]Suggestion, 0, len(targets))
	for _, t := range targets {
		if s, ok := best[t]; ok {
			out = append(out, s)
			continue
		}
		out = append(out, Suggestion{Target: t, Confidence: bestScore(t, headers, usedSource)})
	}
	return out
}

func bestScore(target string, headers []string, used map[string]bool) int {
	best := 0
	for _, h := range headers {
		if used[h] {
			continue
		}
		if s := Similarity(target, h); s > best {
			best = s
		}
	}
	return best
}

// SuggestForSchema runs Suggest over every field of schema
func SuggestForSchema(schema *model.Schema, headers []string, threshold int) []Suggestion {
	targets := make([]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		targets = append(targets, f.Name)
	}
	return Suggest(targets, headers, threshold)
}
