package emergency

import (
	"math"
	"sort"
	"time"

	"peer-tether/internal/models"
)

// ResponseBuckets counts cases by time to first response.
type ResponseBuckets struct {
	Under30s   int `json:"under_30s"`
	Under2m    int `json:"under_2m"`
	From2mTo5m int `json:"from_2m_to_5m"`
	Over5m     int `json:"over_5m"`
}

type Report struct {
	TotalCases             int             `json:"total_cases"`
	OpenCases              int             `json:"open_cases"`
	ByUrgency              map[string]int  `json:"by_urgency"`
	ByCategory             map[string]int  `json:"by_category"`
	ByStatus               map[string]int  `json:"by_status"`
	AverageResponseSeconds float64         `json:"average_response_seconds"`
	EscalationRate         float64         `json:"escalation_rate"`
	ResolutionRate         float64         `json:"resolution_rate"`
	ResponseTimes          ResponseBuckets `json:"response_times"`
	GeneratedAt            time.Time       `json:"generated_at"`
}

type aggregate struct {
	total       int
	open        int
	byUrgency   map[string]int
	byCategory  map[string]int
	byStatus    map[string]int
	responded   int
	responseSum time.Duration
	buckets     ResponseBuckets
	escalated   int
	resolved    int
}

func newAggregate() aggregate {
	return aggregate{
		byUrgency:  make(map[string]int),
		byCategory: make(map[string]int),
		byStatus:   make(map[string]int),
	}
}

func (a *aggregate) add(c *models.EmergencyCase) {
	a.total++
	a.byUrgency[c.Urgency.String()]++
	a.byCategory[string(c.Category)]++
	a.byStatus[string(c.Status)]++

	switch c.Status {
	case models.CaseEscalated:
		a.escalated++
	case models.CaseResolved:
		a.resolved++
	default:
		a.open++
	}

	rt, ok := c.ResponseTime()
	if !ok {
		return
	}
	a.responded++
	a.responseSum += rt
	switch {
	case rt < 30*time.Second:
		a.buckets.Under30s++
	case rt < 2*time.Minute:
		a.buckets.Under2m++
	case rt <= 5*time.Minute:
		a.buckets.From2mTo5m++
	default:
		a.buckets.Over5m++
	}
}

func (a aggregate) clone() aggregate {
	out := a
	out.byUrgency = copyCounts(a.byUrgency)
	out.byCategory = copyCounts(a.byCategory)
	out.byStatus = copyCounts(a.byStatus)
	return out
}

func (a aggregate) report(at time.Time) Report {
	r := Report{
		TotalCases:    a.total,
		OpenCases:     a.open,
		ByUrgency:     a.byUrgency,
		ByCategory:    a.byCategory,
		ByStatus:      a.byStatus,
		ResponseTimes: a.buckets,
		GeneratedAt:   at,
	}
	if a.responded > 0 {
		r.AverageResponseSeconds = round2(a.responseSum.Seconds() / float64(a.responded))
	}
	if a.total > 0 {
		r.EscalationRate = round4(float64(a.escalated) / float64(a.total))
		r.ResolutionRate = round4(float64(a.resolved) / float64(a.total))
	}
	return r
}

// Report aggregates every case seen since start, including purged ones.
func (s *Service) Report() Report {
	s.mu.Lock()
	agg := s.history.clone()
	for _, e := range s.cases {
		agg.add(e.c)
	}
	s.mu.Unlock()

	return agg.report(s.now())
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortByCreated(cases []*models.EmergencyCase) {
	sort.Slice(cases, func(i, j int) bool {
		if cases[i].CreatedAt.Equal(cases[j].CreatedAt) {
			return cases[i].ID < cases[j].ID
		}
		return cases[i].CreatedAt.Before(cases[j].CreatedAt)
	})
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
