package matching

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peer-tether/internal/common/config"
	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
)

// ==========================
// Test Helper Functions
// ==========================

func newTestMatcher(t *testing.T, minScore float64) *Matcher {
	cfg := DefaultConfig()
	cfg.MinScore = minScore
	return NewMatcher(cfg, logger.NewTestLogger(t))
}

func seekerProfile() Profile {
	return Profile{
		UserID:             "seeker-1",
		TimezoneOffset:     -5,
		Languages:          []string{"en", "es"},
		Interests:          []string{"music", "hiking"},
		SupportTopics:      []string{"anxiety"},
		CommunicationStyle: "gentle",
		Availability:       []string{"weekday_evening"},
	}
}

func supporterProfile(id string) Profile {
	return Profile{
		UserID:             id,
		TimezoneOffset:     -5,
		Languages:          []string{"EN"},
		Interests:          []string{"Music", "hiking", "cooking"},
		Specializations:    []string{"anxiety", "grief support"},
		CommunicationStyle: "Gentle",
		Availability:       []string{"weekday_evening", "weekend"},
		ExperienceLevel:    5,
	}
}

// ==========================
// Score Tests
// ==========================

func TestMatcher_Score_PerfectMatch(t *testing.T) {
	m := newTestMatcher(t, 0.7)

	r := m.Score(seekerProfile(), supporterProfile("sup-1"), nil)

	assert.Equal(t, 1.0, r.Score)
	assert.Equal(t, []string{"en"}, r.SharedLanguages)
	assert.Equal(t, []string{"music", "hiking"}, r.SharedInterests)
	assert.Equal(t, []string{"anxiety"}, r.SharedSpecialties)
	assert.Equal(t, 0.0, r.TimezoneDiff)
	assert.True(t, m.IsAcceptable(r))
	assert.Empty(t, m.ValidateMatch(r))
}

func TestMatcher_Score_GriefSupportRejection(t *testing.T) {
	m := newTestMatcher(t, 0.7)

	seeker := Profile{
		UserID:             "seeker-grief",
		TimezoneOffset:     0,
		Languages:          []string{"en"},
		Interests:          []string{"reading"},
		SupportTopics:      []string{"grief support"},
		CommunicationStyle: "gentle",
		Availability:       []string{"evening"},
	}
	supporter := Profile{
		UserID:             "sup-career",
		TimezoneOffset:     10,
		Languages:          []string{"en"},
		Interests:          []string{"gaming"},
		Specializations:    []string{"career stress"},
		CommunicationStyle: "gentle",
		Availability:       []string{"evening"},
		ExperienceLevel:    5,
	}

	r, err := m.Check(seeker, supporter, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrIncompatibleMatch))
	assert.Less(t, r.Score, 0.5)
	assert.Equal(t, 10.0, r.TimezoneDiff)
	assert.Contains(t, m.ValidateMatch(r), "no overlapping support topics")
	assert.Contains(t, m.ValidateMatch(r), "timezone difference of 10 hours")
}

func TestMatcher_Threshold(t *testing.T) {
	seeker := Profile{
		UserID:             "seeker",
		Languages:          []string{"en"},
		Interests:          []string{"chess"},
		SupportTopics:      []string{"loneliness"},
		CommunicationStyle: "direct",
		Availability:       []string{"morning"},
	}
	supporter := Profile{
		UserID:             "supporter",
		Languages:          []string{"en"},
		Interests:          []string{"football"},
		Specializations:    []string{"addiction"},
		CommunicationStyle: "gentle",
		Availability:       []string{"night"},
		ExperienceLevel:    5,
	}

	tests := []struct {
		name     string
		minScore float64
		wantErr  bool
	}{
		{"below default threshold", 0.7, true},
		{"exactly at threshold", 0.4, false},
		{"just above score", 0.41, true},
		{"well below score", 0.2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMatcher(t, tt.minScore)
			r, err := m.Check(seeker, supporter, nil)
			assert.Equal(t, 0.4, r.Score)
			if tt.wantErr {
				assert.True(t, errors.Is(err, apperrors.ErrIncompatibleMatch))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMatcher_Score_Bounds(t *testing.T) {
	m := newTestMatcher(t, 0.7)

	profiles := []Profile{
		{},
		seekerProfile(),
		supporterProfile("a"),
		{UserID: "far", TimezoneOffset: 12, Languages: []string{"jp"}, CommunicationStyle: "direct"},
	}

	for _, a := range profiles {
		for _, b := range profiles {
			r := m.Score(a, b, &Preferences{MinExperience: 3})
			assert.GreaterOrEqual(t, r.Score, 0.0)
			assert.LessOrEqual(t, r.Score, 1.0)
		}
	}
}

func TestTimezoneDiff_WrapsAroundDateLine(t *testing.T) {
	tests := []struct {
		a, b float64
		want float64
	}{
		{0, 0, 0},
		{-5, 5, 10},
		{11, -11, 2},
		{5.5, -3.5, 9},
		{-12, 12, 0},
		{14, -12, 2},
		{-12, 14, 2},
		{13, -12, 1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, timezoneDiff(tt.a, tt.b))
	}
}

func TestMatcher_Score_OffsetsAcrossDateLine(t *testing.T) {
	m := newTestMatcher(t, 0.7)
	seeker := seekerProfile()
	seeker.TimezoneOffset = 14
	supporter := supporterProfile("sup")
	supporter.TimezoneOffset = -12

	r := m.Score(seeker, supporter, nil)
	assert.InDelta(t, 5.0/6, r.Factors.Timezone, 1e-9)
	assert.LessOrEqual(t, r.Score, 1.0)

	r = m.Score(seeker, supporter, &Preferences{MaxTimezoneDiff: 1})
	assert.Equal(t, 0.0, r.Factors.Timezone)
}

func TestMatcher_Preferences(t *testing.T) {
	m := newTestMatcher(t, 0.7)
	seeker := seekerProfile()
	supporter := supporterProfile("sup")
	supporter.TimezoneOffset = 1

	r := m.Score(seeker, supporter, &Preferences{MaxTimezoneDiff: 3})
	assert.Equal(t, 0.0, r.Factors.Timezone)

	r = m.Score(seeker, supporter, &Preferences{RequiredLanguages: []string{"es"}})
	assert.Equal(t, 0.0, r.Factors.Language)

	supporter.ExperienceLevel = 2
	r = m.Score(seeker, supporter, &Preferences{MinExperience: 3})
	assert.Equal(t, 0.0, r.Factors.Experience)

	supporter.CommunicationStyle = "flexible"
	r = m.Score(seeker, supporter, nil)
	assert.Equal(t, 0.75, r.Factors.CommunicationStyle)
}

// ==========================
// Ranking Tests
// ==========================

func TestMatcher_FindBestMatches(t *testing.T) {
	m := newTestMatcher(t, 0.7)
	seeker := seekerProfile()

	weaker := supporterProfile("sup-weaker")
	weaker.TimezoneOffset = 1

	rejected := supporterProfile("sup-rejected")
	rejected.Languages = []string{"fr"}
	rejected.Specializations = nil
	rejected.Interests = nil
	rejected.TimezoneOffset = 7

	self := supporterProfile(seeker.UserID)

	candidates := []Profile{weaker, supporterProfile("sup-b"), rejected, supporterProfile("sup-a"), self}

	results := m.FindBestMatches(seeker, candidates, nil, 0)
	require.Len(t, results, 3)
	assert.Equal(t, "sup-a", results[0].SupporterID)
	assert.Equal(t, "sup-b", results[1].SupporterID)
	assert.Equal(t, "sup-weaker", results[2].SupporterID)

	top := m.FindBestMatches(seeker, candidates, nil, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "sup-a", top[0].SupporterID)

	assert.Empty(t, m.FindBestMatches(seeker, nil, nil, 5))
}

func TestMatcher_ValidateMatch_PassingScoreWithConcerns(t *testing.T) {
	m := newTestMatcher(t, 0.5)
	seeker := seekerProfile()
	supporter := supporterProfile("sup")
	supporter.Languages = []string{"de"}
	supporter.Availability = []string{"weekend"}

	r := m.Score(seeker, supporter, nil)
	require.True(t, m.IsAcceptable(r))

	concerns := m.ValidateMatch(r)
	assert.Contains(t, concerns, "no shared language")
	assert.Contains(t, concerns, "no shared availability")
	assert.NotContains(t, concerns, "low overall compatibility")
}

// ==========================
// Config Tests
// ==========================

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.MatchingConfig{
		MinScore: 0.6,
		Weights:  map[string]float64{"topics": 0.5, "experience": 0},
	})

	assert.Equal(t, 0.6, cfg.MinScore)
	assert.Equal(t, 0.5, cfg.Weights.Topics)
	assert.Equal(t, 0.0, cfg.Weights.Experience)
	assert.Equal(t, 0.20, cfg.Weights.Language)

	defaults := ConfigFrom(config.MatchingConfig{})
	assert.Equal(t, DefaultConfig(), defaults)
}
