package matching

import (
	"peer-tether/internal/common/config"
)

type Weights struct {
	Topics             float64
	Language           float64
	Timezone           float64
	Interests          float64
	CommunicationStyle float64
	Availability       float64
	Experience         float64
}

func (w Weights) sum() float64 {
	return w.Topics + w.Language + w.Timezone + w.Interests + w.CommunicationStyle + w.Availability + w.Experience
}

type Config struct {
	MinScore float64
	Weights  Weights
}

func DefaultWeights() Weights {
	return Weights{
		Topics:             0.25,
		Language:           0.20,
		Timezone:           0.15,
		Interests:          0.15,
		CommunicationStyle: 0.10,
		Availability:       0.10,
		Experience:         0.05,
	}
}

func DefaultConfig() Config {
	return Config{MinScore: 0.7, Weights: DefaultWeights()}
}

// ConfigFrom reads weights by name; missing keys keep their default.
func ConfigFrom(cfg config.MatchingConfig) Config {
	out := DefaultConfig()
	if cfg.MinScore > 0 {
		out.MinScore = cfg.MinScore
	}
	set := func(key string, dst *float64) {
		if v, ok := cfg.Weights[key]; ok && v >= 0 {
			*dst = v
		}
	}
	set("topics", &out.Weights.Topics)
	set("language", &out.Weights.Language)
	set("timezone", &out.Weights.Timezone)
	set("interests", &out.Weights.Interests)
	set("communication_style", &out.Weights.CommunicationStyle)
	set("availability", &out.Weights.Availability)
	set("experience", &out.Weights.Experience)
	return out
}
