package topics

import "strings"

// DefaultTopics is the canonical topic list offered during onboarding.
var DefaultTopics = []string{
	"android", "anime", "art", "bitcoin", "books", "cats", "coffee", "cooking",
	"design", "fitness", "gaming", "hiking", "linux", "memes", "movies", "music",
	"nostr", "open-source", "photography", "programming", "pizza", "startup",
	"tech", "travel", "yoga",
}

var defaultSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(DefaultTopics))
	for _, t := range DefaultTopics {
		m[t] = struct{}{}
	}
	return m
}()

// IsDefault reports whether topic is in DefaultTopics, ignoring case.
func IsDefault(topic string) bool {
	_, ok := defaultSet[normalize(topic)]
	return ok
}

// Custom returns the topics that are not in DefaultTopics, in input order and
// without duplicates.
func Custom(topics []string) []string {
	out := []string{}
	seen := make(map[string]struct{})
	for _, t := range topics {
		key := normalize(t)
		if key == "" || IsDefault(key) {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

func normalize(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}
