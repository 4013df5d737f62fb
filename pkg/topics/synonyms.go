package topics

// synonyms maps a canonical topic to terms treated as the same interest.
var synonyms = map[string][]string{
	"crypto":  {"bitcoin", "ethereum", "blockchain"},
	"tech":    {"programming", "coding", "software"},
	"fitness": {"gym", "workout", "exercise"},
	"food":    {"cooking", "recipes", "eating"},
	"music":   {"songs", "audio", "sound"},
	"art":     {"drawing", "painting", "creative"},
}

// areSynonyms reports whether a and b (already lower-cased) belong to the same
// synonym group: one is the key and the other a listed term, or both are
// listed terms of the same key.
func areSynonyms(a, b string) bool {
	for key, terms := range synonyms {
		inA, inB := contains(terms, a), contains(terms, b)
		if (a == key && inB) || (b == key && inA) || (inA && inB) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
