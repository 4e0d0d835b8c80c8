// Package heartbeat tracks liveness per tether and classifies connection
// quality from missed beats and observed latency.
package heartbeat

import (
	"context"
	"math"
	"sync"
	"time"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/common/metrics"
	"peer-tether/internal/models"
)

// IssueEvent is raised when a tether crosses the issue or critical threshold
// of consecutive missed beats.
type IssueEvent struct {
	TetherID      string
	MissedBeats   int
	Quality       models.Quality
	LastHeartbeat time.Time
	DetectedAt    time.Time
}

type IssueHandler func(IssueEvent)

type connState struct {
	interval    time.Duration
	startedAt   time.Time
	lastBeat    time.Time
	missed      int
	totalMissed int
	beats       int
	raised      int
	latencies   []time.Duration
	next        int
	filled      bool
}

// samples returns the latency window oldest first.
func (c *connState) samples() []time.Duration {
	if !c.filled {
		return c.latencies[:c.next]
	}
	out := make([]time.Duration, 0, len(c.latencies))
	out = append(out, c.latencies[c.next:]...)
	return append(out, c.latencies[:c.next]...)
}

func (c *connState) push(d time.Duration) {
	c.latencies[c.next] = d
	c.next++
	if c.next == len(c.latencies) {
		c.next = 0
		c.filled = true
	}
}

type Monitor struct {
	cfg Config
	log logger.Logger
	now func() time.Time

	mu    sync.RWMutex
	conns map[string]*connState

	handlerMu sync.RWMutex
	handler   IssueHandler

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(cfg Config, log logger.Logger, opts ...Option) *Monitor {
	cfg.normalize()
	m := &Monitor{
		cfg:   cfg,
		log:   log.WithFields(map[string]interface{}{"component": "heartbeat_monitor"}),
		now:   time.Now,
		conns: make(map[string]*connState),
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnIssue registers the callback for connection-issue events. It runs outside
// the monitor's locks.
func (m *Monitor) OnIssue(h IssueHandler) {
	m.handlerMu.Lock()
	m.handler = h
	m.handlerMu.Unlock()
}

// StartMonitoring begins tracking tetherID. Restarting an already monitored
// tether only changes its interval.
func (m *Monitor) StartMonitoring(tetherID string, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.DefaultInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.conns[tetherID]; ok {
		c.interval = interval
		return
	}
	now := m.now()
	m.conns[tetherID] = &connState{
		interval:  interval,
		startedAt: now,
		lastBeat:  now,
		latencies: make([]time.Duration, m.cfg.WindowSize),
	}
}

func (m *Monitor) StopMonitoring(tetherID string) {
	m.mu.Lock()
	delete(m.conns, tetherID)
	m.mu.Unlock()
}

func (m *Monitor) IsMonitored(tetherID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[tetherID]
	return ok
}

// RecordHeartbeat resets the missed-beat counter and adds latency to the
// rolling window.
func (m *Monitor) RecordHeartbeat(tetherID string, latency time.Duration) error {
	if latency < 0 {
		latency = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[tetherID]
	if !ok {
		return apperrors.NewConnectionNotFoundError(tetherID)
	}
	c.lastBeat = m.now()
	c.missed = 0
	c.raised = 0
	c.beats++
	c.push(latency)
	return nil
}

// Check counts missed beats for every monitored tether. A beat is missed once
// 1.5 intervals have passed since the last heartbeat, and one more for each
// further interval, so repeated checks within a window do not double count.
func (m *Monitor) Check() []IssueEvent {
	now := m.now()
	var events []IssueEvent

	m.mu.Lock()
	for id, c := range m.conns {
		expected := overdueBeats(now.Sub(c.lastBeat), c.interval)
		if expected <= c.missed {
			continue
		}
		c.totalMissed += expected - c.missed
		c.missed = expected

		level := 0
		switch {
		case c.missed >= m.cfg.CriticalThreshold:
			level = 2
		case c.missed >= m.cfg.IssueThreshold:
			level = 1
		}
		if level > c.raised {
			c.raised = level
			events = append(events, IssueEvent{
				TetherID:      id,
				MissedBeats:   c.missed,
				Quality:       m.classify(c.missed, average(c.samples())),
				LastHeartbeat: c.lastBeat,
				DetectedAt:    now,
			})
		}
	}
	m.mu.Unlock()

	m.handlerMu.RLock()
	h := m.handler
	m.handlerMu.RUnlock()

	for _, ev := range events {
		m.log.Warn("Connection issue detected", map[string]interface{}{
			"tetherId":    ev.TetherID,
			"missedBeats": ev.MissedBeats,
			"quality":     ev.Quality.String(),
		})
		if h != nil {
			h(ev)
		}
	}
	return events
}

func overdueBeats(elapsed, interval time.Duration) int {
	if interval <= 0 || elapsed*2 <= interval*3 {
		return 0
	}
	return int((elapsed - interval/2) / interval)
}

// classify maps missed beats and average latency to a quality tier. The tier
// never improves as missed grows.
func (m *Monitor) classify(missed int, avg time.Duration) models.Quality {
	switch {
	case missed >= m.cfg.CriticalThreshold:
		return models.QualityCritical
	case avg > m.cfg.PoorLatency || missed >= m.cfg.IssueThreshold:
		return models.QualityPoor
	case avg > m.cfg.GoodLatency || missed >= 1:
		return models.QualityGood
	default:
		return models.QualityExcellent
	}
}

func (m *Monitor) Snapshot(tetherID string) (models.HealthSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conns[tetherID]
	if !ok {
		return models.HealthSnapshot{}, apperrors.NewConnectionNotFoundError(tetherID)
	}
	return m.snapshotLocked(tetherID, c), nil
}

func (m *Monitor) snapshotLocked(tetherID string, c *connState) models.HealthSnapshot {
	samples := c.samples()
	avg := average(samples)
	q := m.classify(c.missed, avg)

	uptime := 100.0
	loss := 0.0
	if total := c.beats + c.totalMissed; total > 0 {
		uptime = float64(c.beats) / float64(total) * 100
		loss = float64(c.totalMissed) / float64(total)
	}

	return models.HealthSnapshot{
		TetherID:         tetherID,
		UptimePercent:    round2(uptime),
		AverageLatencyMs: round2(ms(avg)),
		PacketLoss:       round4(loss),
		JitterMs:         round2(ms(jitter(samples))),
		MissedBeats:      c.missed,
		Status:           q.Status(),
		Quality:          q,
		LastHeartbeat:    c.lastBeat,
	}
}

// Analytics summarises every monitored tether.
type Analytics struct {
	TotalConnections int                 `json:"total_connections"`
	ByQuality        map[string]int      `json:"by_quality"`
	AverageLatencyMs float64             `json:"average_latency_ms"`
	UptimePercent    float64             `json:"uptime_percent"`
	Verdict          models.SystemHealth `json:"verdict"`
}

func (m *Monitor) Analytics() Analytics {
	a := Analytics{
		ByQuality: map[string]int{
			models.QualityExcellent.String(): 0,
			models.QualityGood.String():      0,
			models.QualityPoor.String():      0,
			models.QualityCritical.String():  0,
		},
		UptimePercent: 100,
	}

	m.mu.RLock()
	var latencySum, uptimeSum float64
	for id, c := range m.conns {
		snap := m.snapshotLocked(id, c)
		a.ByQuality[snap.Quality.String()]++
		latencySum += snap.AverageLatencyMs
		uptimeSum += snap.UptimePercent
	}
	a.TotalConnections = len(m.conns)
	m.mu.RUnlock()

	if a.TotalConnections > 0 {
		n := float64(a.TotalConnections)
		a.AverageLatencyMs = round2(latencySum / n)
		a.UptimePercent = round2(uptimeSum / n)
	}
	a.Verdict = verdict(a.TotalConnections, a.ByQuality[models.QualityPoor.String()], a.ByQuality[models.QualityCritical.String()])

	for q, n := range a.ByQuality {
		metrics.ConnectionHealth.WithLabelValues(q).Set(float64(n))
	}
	return a
}

func verdict(total, poor, critical int) models.SystemHealth {
	if total == 0 {
		return models.SystemHealthy
	}
	switch {
	case float64(critical) > 0.1*float64(total):
		return models.SystemCritical
	case critical == 0 && float64(poor) <= 0.1*float64(total):
		return models.SystemHealthy
	default:
		return models.SystemDegraded
	}
}

// Start runs Check on the configured interval until ctx is done or Close is
// called.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.cfg.CheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stop:
					return
				case <-ticker.C:
					m.Check()
				}
			}
		}()
	})
}

func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func average(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples))
}

// jitter is the mean absolute difference between successive samples.
func jitter(samples []time.Duration) time.Duration {
	if len(samples) < 2 {
		return 0
	}
	var sum time.Duration
	for i := 1; i < len(samples); i++ {
		d := samples[i] - samples[i-1]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / time.Duration(len(samples)-1)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
