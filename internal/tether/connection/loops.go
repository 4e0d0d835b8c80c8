package connection

import (
	"context"
	"time"

	"peer-tether/internal/models"
)

// Start runs the background loops until ctx is done or Close is called:
// missed-pulse sync, bulk strength recompute with retention, and the
// system-health log.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.every(ctx, e.cfg.MissedPulseSweep, func() { e.SyncMissedPulses(ctx) })
		e.every(ctx, e.cfg.StrengthRecompute, func() {
			e.ApplyRetention(ctx)
			e.RecomputeAll(ctx)
		})
		e.every(ctx, e.cfg.HealthLogInterval, func() { e.LogSystemHealth() })
	})
}

// Close stops the loops and waits for background work.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.loopWG.Wait()
	e.pending.Wait()
}

func (e *Engine) every(ctx context.Context, interval time.Duration, fn func()) {
	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (e *Engine) stopping(ctx context.Context) bool {
	select {
	case <-e.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// SyncMissedPulses copies the monitor's missed-beat counts onto cached
// tethers whose stored count is out of date. It returns how many were
// written. No tether lock is held while the store is written.
func (e *Engine) SyncMissedPulses(ctx context.Context) int {
	e.cacheMu.RLock()
	ids := make([]string, 0, len(e.cache))
	for id := range e.cache {
		ids = append(ids, id)
	}
	e.cacheMu.RUnlock()

	written := 0
	for _, id := range ids {
		if e.stopping(ctx) {
			break
		}
		snap, err := e.monitor.Snapshot(id)
		if err != nil {
			continue
		}

		t, ok := e.cacheGet(id)
		if !ok || t.MissedPulses == snap.MissedBeats {
			continue
		}
		applied, err := e.recordMissed(ctx, t, snap.MissedBeats)
		if err != nil {
			e.log.Warn("Missed-pulse sync failed", map[string]interface{}{
				"tetherId": id,
				"error":    err,
			})
			continue
		}
		if applied {
			written++
		}
	}
	return written
}

// RecomputeAll refreshes strength for every active tether in batches. One
// failing tether does not stop the run.
func (e *Engine) RecomputeAll(ctx context.Context) (updated, failed int) {
	batch := e.cfg.StrengthBatchSize
	for offset := 0; ; offset += batch {
		if e.stopping(ctx) {
			break
		}
		tethers, err := e.store.ListActiveTethers(ctx, batch, offset)
		if err != nil {
			e.log.Error("Strength recompute listing failed", map[string]interface{}{
				"offset": offset,
				"error":  err,
			})
			failed++
			break
		}
		for _, t := range tethers {
			if _, err := e.RecomputeStrength(ctx, t.ID); err != nil {
				failed++
				e.log.Warn("Strength recompute failed", map[string]interface{}{
					"tetherId": t.ID,
					"error":    err,
				})
				continue
			}
			updated++
		}
		if len(tethers) < batch {
			break
		}
	}

	e.log.Info("Strength recompute finished", map[string]interface{}{
		"updated": updated,
		"failed":  failed,
	})
	return updated, failed
}

// ApplyRetention moves tethers idle past the retention window out of the
// active view and stops monitoring them. Tethers with an emergency in
// progress stay active.
func (e *Engine) ApplyRetention(ctx context.Context) int {
	cutoff := e.now().Add(-e.cfg.RetentionWindow)
	n, err := e.store.DeactivateIdle(ctx, cutoff)
	if err != nil {
		e.log.Error("Retention sweep failed", map[string]interface{}{"error": err})
		return 0
	}

	e.cacheMu.RLock()
	var idle []string
	for id, t := range e.cache {
		if !t.EmergencyActive && t.LastActivityAt.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	e.cacheMu.RUnlock()

	for _, id := range idle {
		e.cacheDrop(id)
		e.monitor.StopMonitoring(id)
	}

	if n > 0 {
		e.log.Info("Idle tethers deactivated", map[string]interface{}{
			"count":  n,
			"cutoff": cutoff,
		})
	}
	return n
}

// SystemHealth is the periodic operational summary.
type SystemHealth struct {
	Verdict          models.SystemHealth `json:"verdict"`
	Connections      int                 `json:"connections"`
	ByQuality        map[string]int      `json:"by_quality"`
	AverageLatencyMs float64             `json:"average_latency_ms"`
	UptimePercent    float64             `json:"uptime_percent"`
	OpenEmergencies  int                 `json:"open_emergencies"`
}

func (e *Engine) SystemHealth() SystemHealth {
	a := e.monitor.Analytics()
	return SystemHealth{
		Verdict:          a.Verdict,
		Connections:      a.TotalConnections,
		ByQuality:        a.ByQuality,
		AverageLatencyMs: a.AverageLatencyMs,
		UptimePercent:    a.UptimePercent,
		OpenEmergencies:  e.emergency.Report().OpenCases,
	}
}

// LogSystemHealth writes the summary at a level matching the verdict.
func (e *Engine) LogSystemHealth() SystemHealth {
	h := e.SystemHealth()
	fields := map[string]interface{}{
		"verdict":          string(h.Verdict),
		"connections":      h.Connections,
		"averageLatencyMs": h.AverageLatencyMs,
		"uptimePercent":    h.UptimePercent,
		"openEmergencies":  h.OpenEmergencies,
	}
	switch h.Verdict {
	case models.SystemCritical:
		fields["severity"] = "critical"
		e.log.Error("System health", fields)
	case models.SystemDegraded:
		e.log.Warn("System health", fields)
	default:
		e.log.Info("System health", fields)
	}
	return h
}
