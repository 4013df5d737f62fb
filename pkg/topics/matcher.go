// Package topics matches a local user's interests against the topics a peer
// broadcasts.
//
// Matching is case-insensitive. In exact mode only equal topics match. In fuzzy
// mode two topics also match when one contains the other, when they share a
// prefix of at least MinPrefixLen runes, or when they belong to the same
// synonym group. Results are always expressed in the local user's spelling.
package topics

import (
	"strings"
)

// MinPrefixLen is the shortest common prefix that makes two topics match.
const MinPrefixLen = 3

// DefaultSuggestionLimit is the number of suggestions Suggest returns by default.
const DefaultSuggestionLimit = 5

// FindMatches returns the local topics that match any remote topic, in local
// order and without duplicates. Blank topics never match.
func FindMatches(local []string, exact bool, remote []string) []string {
	matches := []string{}
	if len(local) == 0 || len(remote) == 0 {
		return matches
	}

	remoteNorm := make([]string, 0, len(remote))
	remoteSet := make(map[string]struct{}, len(remote))
	for _, r := range remote {
		n := normalize(r)
		if n == "" {
			continue
		}
		if _, dup := remoteSet[n]; !dup {
			remoteSet[n] = struct{}{}
			remoteNorm = append(remoteNorm, n)
		}
	}

	seen := make(map[string]struct{}, len(local))
	for _, l := range local {
		n := normalize(l)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}

		var ok bool
		if exact {
			_, ok = remoteSet[n]
		} else {
			for _, r := range remoteNorm {
				if isPartialMatch(n, r) {
					ok = true
					break
				}
			}
		}
		if ok {
			seen[n] = struct{}{}
			matches = append(matches, l)
		}
	}
	return matches
}

// MatchScore returns the share of distinct topics, across both lists, that
// matched. It is in [0, 1] and 0 when there are no topics at all.
func MatchScore(local, remote, matches []string) float64 {
	distinct := make(map[string]struct{}, len(local)+len(remote))
	for _, t := range local {
		if n := normalize(t); n != "" {
			distinct[n] = struct{}{}
		}
	}
	for _, t := range remote {
		if n := normalize(t); n != "" {
			distinct[n] = struct{}{}
		}
	}
	if len(distinct) == 0 {
		return 0
	}
	return float64(len(matches)) / float64(len(distinct))
}

// Suggest returns up to limit candidates that fuzzily relate to one of the
// user's topics and are not already chosen. A non-positive limit uses
// DefaultSuggestionLimit.
func Suggest(userTopics, candidates []string, limit int) []string {
	if limit <= 0 {
		limit = DefaultSuggestionLimit
	}

	var user []string
	skip := make(map[string]struct{}, len(userTopics))
	for _, t := range userTopics {
		if n := normalize(t); n != "" {
			user = append(user, n)
			skip[n] = struct{}{}
		}
	}

	out := []string{}
	for _, c := range candidates {
		if len(out) == limit {
			break
		}
		n := normalize(c)
		if n == "" {
			continue
		}
		if _, ok := skip[n]; ok {
			continue
		}
		for _, u := range user {
			if isPartialMatch(u, n) {
				skip[n] = struct{}{}
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// isPartialMatch compares two normalized, non-empty topics.
func isPartialMatch(a, b string) bool {
	if a == b {
		return true
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	if hasCommonPrefix(a, b) {
		return true
	}
	return areSynonyms(a, b)
}

// hasCommonPrefix scans prefix lengths from MinPrefixLen up to the shorter
// topic's length and reports the first length at which both agree.
func hasCommonPrefix(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	shortest := min(len(ra), len(rb))
	for n := MinPrefixLen; n <= shortest; n++ {
		if string(ra[:n]) == string(rb[:n]) {
			return true
		}
	}
	return false
}
