package matching

// Profile carries the attributes a caller supplies for one side of a match.
// Seekers fill SupportTopics; supporters fill Specializations.
type Profile struct {
	UserID             string   `json:"user_id"`
	TimezoneOffset     float64  `json:"timezone_offset"`
	Languages          []string `json:"languages"`
	Interests          []string `json:"interests"`
	SupportTopics      []string `json:"support_topics,omitempty"`
	Specializations    []string `json:"specializations,omitempty"`
	CommunicationStyle string   `json:"communication_style,omitempty"`
	Availability       []string `json:"availability,omitempty"`
	ExperienceLevel    int      `json:"experience_level,omitempty"`
}

// Preferences narrow a match from the seeker's side.
type Preferences struct {
	MaxTimezoneDiff    float64  `json:"max_timezone_diff,omitempty"`
	RequiredLanguages  []string `json:"required_languages,omitempty"`
	CommunicationStyle string   `json:"communication_style,omitempty"`
	MinExperience      int      `json:"min_experience,omitempty"`
}

// Factors are the per-attribute sub-scores, each in [0,1].
type Factors struct {
	Topics             float64 `json:"topics"`
	Language           float64 `json:"language"`
	Timezone           float64 `json:"timezone"`
	Interests          float64 `json:"interests"`
	CommunicationStyle float64 `json:"communication_style"`
	Availability       float64 `json:"availability"`
	Experience         float64 `json:"experience"`
}

type Result struct {
	SeekerID          string   `json:"seeker_id"`
	SupporterID       string   `json:"supporter_id"`
	Score             float64  `json:"score"`
	Factors           Factors  `json:"factors"`
	SharedLanguages   []string `json:"shared_languages"`
	SharedInterests   []string `json:"shared_interests"`
	SharedSpecialties []string `json:"shared_specialties"`
	TimezoneDiff      float64  `json:"timezone_diff"`
}
