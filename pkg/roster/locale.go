package roster

import "strings"

// countryLanguages maps normalized country names to the language the
// narrative prompts should be written in.
var countryLanguages = map[string]string{
	"france":         "french",
	"belgique":       "french",
	"belgium":        "french",
	"suisse":         "french",
	"switzerland":    "french",
	"luxembourg":     "french",
	"espagne":        "spanish",
	"spain":          "spanish",
	"italie":         "italian",
	"italy":          "italian",
	"allemagne":      "german",
	"germany":        "german",
	"portugal":       "portuguese",
	"united kingdom": "english",
	"royaume-uni":    "english",
	"ireland":        "english",
	"irlande":        "english",
	"pays-bas":       "dutch",
	"netherlands":    "dutch",
	"pologne":        "polish",
	"poland":         "polish",
}

// DetectLanguage resolves the narrative language for a store from its
// country name. The second return is false when the country is unknown,
// letting the caller decide between a configured fallback and a hard
// failure.
func DetectLanguage(countryName string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(countryName))
	if normalized == "" {
		return "", false
	}

	lang, ok := countryLanguages[normalized]

	return lang, ok
}

// Language returns the narrative language for the store, falling back to
// fallback when the country is unrecognized. It returns false only when
// both the country is unknown and no fallback is configured.
func (s Store) Language(fallback string) (string, bool) {
	if lang, ok := DetectLanguage(s.CountryName); ok {
		return lang, true
	}

	if fallback != "" {
		return fallback, true
	}

	return "", false
}
