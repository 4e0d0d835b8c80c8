package sessioncrypto

import "time"

// Bundle is the output of Encrypt. Byte fields are base64 in JSON.
type Bundle struct {
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	Tag        []byte    `json:"tag"`
	SessionID  string    `json:"session_id"`
	KeyVersion int       `json:"key_version"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionHandle is returned to the caller of CreateSession. It never carries
// private key material.
type SessionHandle struct {
	SessionID string         `json:"session_id"`
	PublicKey []byte         `json:"public_key"`
	Token     AnonymousToken `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// SessionInfo is the non-secret view of a live session.
type SessionInfo struct {
	SessionID       string    `json:"session_id"`
	PublicKey       []byte    `json:"public_key"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	RotationPending bool      `json:"rotation_pending"`
	KeyVersion      int       `json:"key_version"`
}

type Permission string

const (
	PermissionEncrypt Permission = "encrypt"
	PermissionDecrypt Permission = "decrypt"
	PermissionRotate  Permission = "rotate"

	// PermissionAny is never granted; checking for it accepts any token
	// that holds at least one permission.
	PermissionAny Permission = "any"
)

// AllPermissions is granted to the token issued with a new session.
var AllPermissions = []Permission{PermissionEncrypt, PermissionDecrypt, PermissionRotate}

// AnonymousToken is a capability bound to a session by hash only. It carries
// nothing derived from the user's identity or secret.
type AnonymousToken struct {
	ID          string       `json:"id"`
	SessionHash string       `json:"session_hash"`
	IssuedAt    time.Time    `json:"issued_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Permissions []Permission `json:"permissions"`
	Revoked     bool         `json:"revoked"`
}

func (t *AnonymousToken) Allows(p Permission) bool {
	if p == PermissionAny {
		return len(t.Permissions) > 0
	}
	for _, have := range t.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

type Operation string

const (
	OpCreateSession  Operation = "create_session"
	OpEncrypt        Operation = "encrypt"
	OpDecrypt        Operation = "decrypt"
	OpRotateKeys     Operation = "rotate_keys"
	OpDestroySession Operation = "destroy_session"
	OpIssueToken     Operation = "issue_token"
	OpRevokeToken    Operation = "revoke_token"
	OpSharedSecret   Operation = "shared_secret"
	OpSweep          Operation = "sweep"
)

// SecurityLevel is the coarse classification attached to each audit entry.
type SecurityLevel string

const (
	LevelStandard SecurityLevel = "STANDARD"
	LevelElevated SecurityLevel = "ELEVATED"
	LevelCritical SecurityLevel = "CRITICAL"
)

type AuditEntry struct {
	Operation     Operation     `json:"operation"`
	SessionID     string        `json:"session_id"`
	Success       bool          `json:"success"`
	Duration      time.Duration `json:"duration"`
	SecurityLevel SecurityLevel `json:"security_level"`
	Notes         string        `json:"notes,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

type ComplianceStatus string

const (
	CompliancePass ComplianceStatus = "PASS"
	ComplianceWarn ComplianceStatus = "WARN"
	ComplianceFail ComplianceStatus = "FAIL"
)

type ComplianceReport struct {
	TotalOperations int               `json:"total_operations"`
	SuccessRate     float64           `json:"success_rate"`
	AverageLatency  time.Duration     `json:"average_latency"`
	Violations      int               `json:"violations"`
	CriticalEvents  int               `json:"critical_events"`
	ByOperation     map[Operation]int `json:"by_operation"`
	ActiveSessions  int               `json:"active_sessions"`
	ActiveTokens    int               `json:"active_tokens"`
	Status          ComplianceStatus  `json:"status"`
	GeneratedAt     time.Time         `json:"generated_at"`
}
