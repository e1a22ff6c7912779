package convert

import (
	"fmt"
	"math/rand"
)

// factories maps converter names to constructors. "unicode" is an accepted
// alias for unicode_substitution.
var factories = map[string]func(rng *rand.Rand) Converter{
	"base64":               func(*rand.Rand) Converter { return Base64{} },
	"rot13":                func(*rand.Rand) Converter { return ROT13{} },
	"unicode_substitution": func(rng *rand.Rand) Converter { return NewUnicode(rng) },
	"unicode":              func(rng *rand.Rand) Converter { return NewUnicode(rng) },
	"payload_split":        func(rng *rand.Rand) Converter { return NewPayloadSplit(rng) },
	"leetspeak":            func(rng *rand.Rand) Converter { return NewLeetspeak(rng) },
	"translation":          func(rng *rand.Rand) Converter { return NewTranslation(rng) },
	"jailbreak_wrapper":    func(rng *rand.Rand) Converter { return NewJailbreakWrapper(rng) },
}

// Get returns a converter instance by name.
func Get(name string, rng *rand.Rand) (Converter, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown converter: %s", name)
	}
	return factory(rng), nil
}

// All returns one instance of every distinct converter.
func All(rng *rand.Rand) []Converter {
	return []Converter{
		Base64{},
		ROT13{},
		NewUnicode(rng),
		NewPayloadSplit(rng),
		NewLeetspeak(rng),
		NewTranslation(rng),
		NewJailbreakWrapper(rng),
	}
}
