package sessioncrypto

import (
	"sync"
	"time"
)

// auditLog is a bounded ring; the oldest entries are overwritten first.
type auditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
}

func newAuditLog(capacity int) *auditLog {
	return &auditLog{entries: make([]AuditEntry, capacity)}
}

func (a *auditLog) append(e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries[a.next] = e
	a.next++
	if a.next == len(a.entries) {
		a.next = 0
		a.full = true
	}
}

// snapshot returns entries oldest first.
func (a *auditLog) snapshot() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.full {
		out := make([]AuditEntry, a.next)
		copy(out, a.entries[:a.next])
		return out
	}
	out := make([]AuditEntry, 0, len(a.entries))
	out = append(out, a.entries[a.next:]...)
	out = append(out, a.entries[:a.next]...)
	return out
}

func budgetFor(op Operation, cfg Config) time.Duration {
	switch op {
	case OpCreateSession, OpRotateKeys:
		return cfg.CreateBudget
	case OpEncrypt, OpDecrypt, OpSharedSecret:
		return cfg.EncryptBudget
	default:
		return 0
	}
}

// buildReport folds audit entries into a compliance verdict.
//
// FAIL when the success rate drops under 95% or any critical security event
// (tampering) was recorded; WARN under 99% or when latency budgets were
// exceeded; PASS otherwise.
func buildReport(entries []AuditEntry, cfg Config, now time.Time) ComplianceReport {
	report := ComplianceReport{
		TotalOperations: len(entries),
		SuccessRate:     1,
		ByOperation:     make(map[Operation]int),
		GeneratedAt:     now,
	}
	if len(entries) == 0 {
		report.Status = CompliancePass
		return report
	}

	var successes int
	var total time.Duration
	for _, e := range entries {
		report.ByOperation[e.Operation]++
		total += e.Duration
		if e.Success {
			successes++
		}
		if e.SecurityLevel == LevelCritical {
			report.CriticalEvents++
			report.Violations++
			continue
		}
		if budget := budgetFor(e.Operation, cfg); budget > 0 && e.Duration > budget {
			report.Violations++
		}
	}

	report.SuccessRate = float64(successes) / float64(len(entries))
	report.AverageLatency = total / time.Duration(len(entries))

	switch {
	case report.SuccessRate < 0.95 || report.CriticalEvents > 0:
		report.Status = ComplianceFail
	case report.SuccessRate < 0.99 || report.Violations > 0:
		report.Status = ComplianceWarn
	default:
		report.Status = CompliancePass
	}
	return report
}
