package auction

import "strings"

// defaultStopWords is the fixed set of simple-action verbs from §4.7.B.
// Kept configurable per the spec's open question on non-English content:
// callers may override via Config.SimpleActionVerbs; content whose first
// word is not one of them falls through to the remaining rules of the
// table (long or compound content still gets the maximum window).
var defaultStopWords = []string{
	"list", "show", "get", "fetch", "check", "ping", "status", "count",
}

// selectBiddingWindow applies the deterministic heuristic table of
// §4.7.B to choose a bidding window in milliseconds.
func selectBiddingWindow(content string, candidateCount int, cfg Config) int64 {
	if candidateCount <= 2 {
		return cfg.MinWindowMs
	}

	words := strings.Fields(content)
	if len(words) < 5 && isSimpleAction(words, cfg.SimpleActionVerbs) {
		return cfg.MinWindowMs
	}

	lower := strings.ToLower(content)
	if len(content) > 100 || strings.Contains(lower, " and ") || strings.Contains(lower, " then ") {
		return cfg.MaxWindowMs
	}

	return cfg.DefaultWindowMs
}

func isSimpleAction(words []string, verbs []string) bool {
	if len(words) == 0 {
		return false
	}
	first := strings.ToLower(strings.Trim(words[0], ".,!?"))
	for _, v := range verbs {
		if first == v {
			return true
		}
	}
	return false
}
