package orchestrator

import "strings"

// Repetition detection constants. Candidate answers under the word
// minimum require an exact case-insensitive match; longer answers match
// on word-set similarity above the threshold.
const (
	RepetitionSimilarityThreshold = 0.8
	RepetitionMinWords            = 5
)

// wordSet lowercases and splits text into a set of words.
func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(w, ".,!?;:\"'()")] = struct{}{}
	}
	delete(set, "")
	return set
}

// jaccardSimilarity computes |A∩B| / |A∪B| over the word sets of a and b.
// Two empty texts are considered identical.
func jaccardSimilarity(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1.0
	}
	intersection := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// textsRepeat reports whether candidate repeats prior according to the
// repetition rules: exact case-insensitive match for short texts,
// Jaccard similarity above the threshold otherwise.
func textsRepeat(candidate, prior string) bool {
	candWords := strings.Fields(candidate)
	priorWords := strings.Fields(prior)
	if len(candWords) < RepetitionMinWords || len(priorWords) < RepetitionMinWords {
		return strings.EqualFold(strings.TrimSpace(candidate), strings.TrimSpace(prior))
	}
	return jaccardSimilarity(candidate, prior) > RepetitionSimilarityThreshold
}

// isRepeating compares the candidate final text against the prior
// assistant answers (the last two, most recent first). A match means the
// model is circling and the answer is treated as verified complete
// without a model call.
func isRepeating(candidate string, priors []string) bool {
	if strings.TrimSpace(candidate) == "" {
		return false
	}
	for _, prior := range priors {
		if textsRepeat(candidate, prior) {
			return true
		}
	}
	return false
}
