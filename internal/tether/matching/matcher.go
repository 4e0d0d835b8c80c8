// Package matching scores seeker/supporter pairs by weighted attribute overlap.
package matching

import (
	"fmt"
	"math"
	"sort"
	"strings"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
)

const maxExperienceLevel = 5

// neutral is the factor used when the seeker expressed no preference.
const neutral = 0.5

type Matcher struct {
	config Config
	logger logger.Logger
}

func NewMatcher(cfg Config, log logger.Logger) *Matcher {
	if cfg.Weights.sum() <= 0 {
		cfg.Weights = DefaultWeights()
	}
	return &Matcher{
		config: cfg,
		logger: log.WithFields(map[string]interface{}{"component": "matcher"}),
	}
}

func (m *Matcher) MinScore() float64 {
	return m.config.MinScore
}

// Score computes the weighted compatibility of supporter for seeker. The
// result is normalised by the weight total so it always lies in [0,1].
func (m *Matcher) Score(seeker, supporter Profile, prefs *Preferences) Result {
	if prefs == nil {
		prefs = &Preferences{}
	}

	sharedLanguages := intersect(seeker.Languages, supporter.Languages)
	sharedInterests := intersect(seeker.Interests, supporter.Interests)
	sharedSpecialties := intersect(seeker.SupportTopics, supporter.Specializations)
	diff := timezoneDiff(seeker.TimezoneOffset, supporter.TimezoneOffset)

	f := Factors{
		Topics:             coverage(len(sharedSpecialties), len(normalize(seeker.SupportTopics))),
		Language:           languageFactor(sharedLanguages, supporter.Languages, prefs.RequiredLanguages),
		Timezone:           timezoneFactor(diff, prefs.MaxTimezoneDiff),
		Interests:          coverage(len(sharedInterests), len(normalize(seeker.Interests))),
		CommunicationStyle: styleFactor(seeker, supporter, prefs),
		Availability:       coverage(len(intersect(seeker.Availability, supporter.Availability)), len(normalize(seeker.Availability))),
		Experience:         experienceFactor(supporter.ExperienceLevel, prefs.MinExperience),
	}

	w := m.config.Weights
	score := (f.Topics*w.Topics +
		f.Language*w.Language +
		f.Timezone*w.Timezone +
		f.Interests*w.Interests +
		f.CommunicationStyle*w.CommunicationStyle +
		f.Availability*w.Availability +
		f.Experience*w.Experience) / w.sum()

	return Result{
		SeekerID:          seeker.UserID,
		SupporterID:       supporter.UserID,
		Score:             math.Round(clamp(score)*1e4) / 1e4,
		Factors:           f,
		SharedLanguages:   sharedLanguages,
		SharedInterests:   sharedInterests,
		SharedSpecialties: sharedSpecialties,
		TimezoneDiff:      diff,
	}
}

func (m *Matcher) IsAcceptable(r Result) bool {
	return r.Score >= m.config.MinScore
}

// Check scores the pair and returns INCOMPATIBLE_MATCH below the threshold.
func (m *Matcher) Check(seeker, supporter Profile, prefs *Preferences) (Result, error) {
	r := m.Score(seeker, supporter, prefs)
	if !m.IsAcceptable(r) {
		m.logger.Info("Match rejected", map[string]interface{}{
			"seekerId":    seeker.UserID,
			"supporterId": supporter.UserID,
			"score":       r.Score,
			"threshold":   m.config.MinScore,
		})
		return r, apperrors.NewIncompatibleMatchError(r.Score, m.config.MinScore)
	}
	return r, nil
}

// FindBestMatches ranks candidates by score and returns at most limit
// acceptable results. Ties are broken by supporter ID. A non-positive limit
// returns every acceptable candidate.
func (m *Matcher) FindBestMatches(seeker Profile, candidates []Profile, prefs *Preferences, limit int) []Result {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if c.UserID == seeker.UserID {
			continue
		}
		r := m.Score(seeker, c, prefs)
		if m.IsAcceptable(r) {
			results = append(results, r)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].SupporterID < results[j].SupporterID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	m.logger.Debug("Candidates ranked", map[string]interface{}{
		"seekerId":   seeker.UserID,
		"candidates": len(candidates),
		"accepted":   len(results),
	})
	return results
}

// ValidateMatch lists human-readable concerns about a match. A passing score
// can still carry concerns.
func (m *Matcher) ValidateMatch(r Result) []string {
	var concerns []string
	if len(r.SharedLanguages) == 0 {
		concerns = append(concerns, "no shared language")
	}
	if r.TimezoneDiff >= 6 {
		concerns = append(concerns, fmt.Sprintf("timezone difference of %d hours", int(math.Round(r.TimezoneDiff))))
	}
	if r.Factors.Topics == 0 {
		concerns = append(concerns, "no overlapping support topics")
	}
	if r.Factors.Availability == 0 {
		concerns = append(concerns, "no shared availability")
	}
	if r.Factors.CommunicationStyle == 0 {
		concerns = append(concerns, "communication styles differ")
	}
	if r.Score < m.config.MinScore {
		concerns = append(concerns, "low overall compatibility")
	}
	return concerns
}

func coverage(shared, wanted int) float64 {
	if wanted == 0 {
		return neutral
	}
	return clamp(float64(shared) / float64(wanted))
}

func languageFactor(shared, supporterLangs, required []string) float64 {
	if len(required) > 0 && len(intersect(required, supporterLangs)) < len(normalize(required)) {
		return 0
	}
	if len(shared) == 0 {
		return 0
	}
	return 1
}

// timezoneDiff returns the shortest distance between two UTC offsets, in hours.
func timezoneDiff(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 24)
	if d > 12 {
		d = 24 - d
	}
	return d
}

func timezoneFactor(diff, maxDiff float64) float64 {
	if maxDiff > 0 && diff > maxDiff {
		return 0
	}
	return math.Max(0, 1-diff/12)
}

func styleFactor(seeker, supporter Profile, prefs *Preferences) float64 {
	want := seeker.CommunicationStyle
	if prefs.CommunicationStyle != "" {
		want = prefs.CommunicationStyle
	}
	have := supporter.CommunicationStyle
	switch {
	case want == "" || have == "":
		return neutral
	case strings.EqualFold(want, have):
		return 1
	case strings.EqualFold(want, "flexible") || strings.EqualFold(have, "flexible"):
		return 0.75
	default:
		return 0
	}
}

func experienceFactor(level, required int) float64 {
	if level < required {
		return 0
	}
	return clamp(float64(level) / maxExperienceLevel)
}

// intersect returns the case-insensitive intersection in the order of a.
func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return []string{}
	}
	index := make(map[string]struct{}, len(b))
	for _, v := range normalize(b) {
		index[v] = struct{}{}
	}
	out := []string{}
	for _, v := range normalize(a) {
		if _, ok := index[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// normalize lower-cases, trims and de-duplicates values.
func normalize(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
