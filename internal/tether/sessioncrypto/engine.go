// Package sessioncrypto holds per-session key material in process memory only.
// Destroying a session zeroes its keys, after which ciphertext produced under
// it can never be decrypted again.
package sessioncrypto

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
	"peer-tether/internal/common/metrics"
)

type session struct {
	mu sync.RWMutex

	id              string
	encKey          []byte
	macKey          []byte
	private         []byte
	public          []byte
	salt            []byte
	createdAt       time.Time
	expiresAt       time.Time
	rotationPending bool
	keyVersion      int
	destroyed       bool
	timer           *time.Timer
	tokenIDs        map[string]struct{}
}

type tokenRecord struct {
	token     AnonymousToken
	sessionID string
	signature []byte
}

// Engine owns every live session and token. Lock order is session.mu before
// tokensMu; e.mu is never held while acquiring a session lock.
type Engine struct {
	cfg    Config
	log    logger.Logger
	random io.Reader
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	tokensMu sync.Mutex
	tokens   map[string]*tokenRecord

	audit *auditLog

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

type Option func(*Engine)

// WithClock replaces the wall clock used for expiry and token timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithRandom(r io.Reader) Option {
	return func(e *Engine) { e.random = r }
}

func NewEngine(cfg Config, log logger.Logger, opts ...Option) *Engine {
	cfg.normalize()
	e := &Engine{
		cfg:      cfg,
		log:      log.WithFields(map[string]interface{}{"component": "session_crypto"}),
		random:   rand.Reader,
		now:      time.Now,
		sessions: make(map[string]*session),
		tokens:   make(map[string]*tokenRecord),
		audit:    newAuditLog(cfg.AuditCapacity),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateSession derives fresh keys from secret and returns a handle carrying
// the public key and an anonymous token with every permission.
func (e *Engine) CreateSession(ctx context.Context, secret []byte) (*SessionHandle, error) {
	start := time.Now()
	handle, sessionID, err := e.createSession(ctx, secret)
	e.record(OpCreateSession, sessionID, start, err, "")
	if err != nil {
		return nil, err
	}
	e.log.Info("Session created", map[string]interface{}{
		"sessionId": logger.ShortID(sessionID),
		"expiresAt": handle.ExpiresAt,
	})
	return handle, nil
}

func (e *Engine) createSession(ctx context.Context, secret []byte) (*SessionHandle, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if len(secret) == 0 {
		return nil, "", apperrors.NewValidationFailedError("secret must not be empty")
	}

	salt, err := randomBytes(e.random, e.cfg.KDF.SaltLength)
	if err != nil {
		return nil, "", apperrors.NewKeyDerivationFailedError(err)
	}
	id := uuid.NewString()

	master := deriveMasterKey(secret, salt, e.cfg.KDF)
	defer wipe(master)

	encKey, err := expand(master, infoEncryption, id)
	if err != nil {
		return nil, id, apperrors.NewKeyDerivationFailedError(err)
	}
	macKey, err := expand(master, infoMAC, id)
	if err != nil {
		wipe(encKey)
		return nil, id, apperrors.NewKeyDerivationFailedError(err)
	}
	private, public, err := newEphemeralPair(e.random)
	if err != nil {
		wipe(encKey)
		wipe(macKey)
		return nil, id, apperrors.NewKeyDerivationFailedError(err)
	}

	now := e.now()
	s := &session{
		id:         id,
		encKey:     encKey,
		macKey:     macKey,
		private:    private,
		public:     public,
		salt:       salt,
		createdAt:  now,
		expiresAt:  now.Add(e.cfg.Lifetime),
		keyVersion: 1,
		tokenIDs:   make(map[string]struct{}),
	}

	s.mu.Lock()
	tok, err := e.issueLocked(s, AllPermissions)
	if err != nil {
		e.destroyLocked(s)
		s.mu.Unlock()
		return nil, id, err
	}
	e.scheduleRotationLocked(s)
	handle := &SessionHandle{
		SessionID: id,
		PublicKey: append([]byte(nil), public...),
		Token:     tok,
		ExpiresAt: s.expiresAt,
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()
	metrics.SessionsActive.Inc()

	return handle, id, nil
}

// Encrypt seals plaintext under the session key with a fresh random nonce.
// An empty token skips capability checks.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte, sessionID, token string) (*Bundle, error) {
	start := time.Now()
	bundle, err := e.encrypt(ctx, plaintext, sessionID, token)
	e.record(OpEncrypt, sessionID, start, err, "")
	return bundle, err
}

func (e *Engine) encrypt(ctx context.Context, plaintext []byte, sessionID, token string) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := e.lookup(sessionID)
	if s == nil {
		return nil, apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !e.liveLocked(s) {
		return nil, apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}
	if token != "" {
		if err := e.checkTokenLocked(s, token, PermissionEncrypt); err != nil {
			return nil, err
		}
	}

	aead, err := chacha20poly1305.NewX(s.encKey)
	if err != nil {
		return nil, apperrors.NewKeyDerivationFailedError(err)
	}
	nonce, err := randomBytes(e.random, chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, apperrors.NewKeyDerivationFailedError(err)
	}

	ts := e.now().UTC()
	sealed := aead.Seal(nil, nonce, plaintext, associatedData(sessionID, ts, s.keyVersion))
	split := len(sealed) - aead.Overhead()

	return &Bundle{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
		SessionID:  sessionID,
		KeyVersion: s.keyVersion,
		Timestamp:  ts,
	}, nil
}

// Decrypt opens a bundle under sessionID. It fails with SESSION_NOT_FOUND once
// the session is destroyed or expired, AUTHENTICATION_FAILED on any tampering
// and TOKEN_INVALID for a rejected token.
func (e *Engine) Decrypt(ctx context.Context, bundle *Bundle, sessionID, token string) ([]byte, error) {
	start := time.Now()
	plaintext, err := e.decrypt(ctx, bundle, sessionID, token)
	e.record(OpDecrypt, sessionID, start, err, "")
	return plaintext, err
}

func (e *Engine) decrypt(ctx context.Context, bundle *Bundle, sessionID, token string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, apperrors.NewValidationFailedError("bundle is required")
	}
	s := e.lookup(sessionID)
	if s == nil {
		return nil, apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !e.liveLocked(s) {
		return nil, apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}
	if token != "" {
		if err := e.checkTokenLocked(s, token, PermissionDecrypt); err != nil {
			return nil, err
		}
	}

	aead, err := chacha20poly1305.NewX(s.encKey)
	if err != nil {
		return nil, apperrors.NewKeyDerivationFailedError(err)
	}
	if len(bundle.Nonce) != aead.NonceSize() || len(bundle.Tag) != aead.Overhead() {
		return nil, apperrors.NewAuthenticationFailedError("malformed nonce or tag")
	}

	sealed := make([]byte, 0, len(bundle.Ciphertext)+len(bundle.Tag))
	sealed = append(sealed, bundle.Ciphertext...)
	sealed = append(sealed, bundle.Tag...)

	plaintext, err := aead.Open(nil, bundle.Nonce, sealed, associatedData(sessionID, bundle.Timestamp, bundle.KeyVersion))
	if err != nil {
		return nil, apperrors.NewAuthenticationFailedError("ciphertext failed authentication")
	}
	return plaintext, nil
}

// RotateKeys replaces the ephemeral pair and MAC key. The session ID and the
// symmetric encryption key are kept so earlier bundles stay readable.
func (e *Engine) RotateKeys(ctx context.Context, sessionID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if token != "" {
		if err := e.ValidateToken(ctx, token, sessionID, PermissionRotate); err != nil {
			e.record(OpRotateKeys, sessionID, time.Now(), err, "token rejected")
			return err
		}
	}
	return e.rotate(sessionID, "manual")
}

func (e *Engine) rotate(sessionID, reason string) error {
	start := time.Now()
	err := e.rotateKeys(sessionID)
	e.record(OpRotateKeys, sessionID, start, err, reason)
	if err == nil {
		e.log.Debug("Session keys rotated", map[string]interface{}{
			"sessionId": logger.ShortID(sessionID),
			"reason":    reason,
		})
	}
	return err
}

func (e *Engine) rotateKeys(sessionID string) error {
	s := e.lookup(sessionID)
	if s == nil {
		return apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.liveLocked(s) {
		return apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}

	private, public, err := newEphemeralPair(e.random)
	if err != nil {
		return apperrors.NewKeyDerivationFailedError(err)
	}
	macKey, err := randomBytes(e.random, keySize)
	if err != nil {
		wipe(private)
		return apperrors.NewKeyDerivationFailedError(err)
	}

	wipe(s.private)
	wipe(s.macKey)
	s.private, s.public, s.macKey = private, public, macKey
	s.keyVersion++
	s.rotationPending = false

	renewed := e.now().Add(e.cfg.Lifetime)
	if limit := s.createdAt.Add(e.cfg.MaxLifetime); renewed.After(limit) {
		renewed = limit
	}
	s.expiresAt = renewed

	e.tokensMu.Lock()
	for id := range s.tokenIDs {
		rec, ok := e.tokens[id]
		if !ok {
			delete(s.tokenIDs, id)
			continue
		}
		rec.signature = signToken(s.macKey, &rec.token)
	}
	e.tokensMu.Unlock()

	e.scheduleRotationLocked(s)
	return nil
}

// DestroySession zeroes the session's keys and revokes its tokens. Calling it
// for an unknown or already destroyed session is a no-op.
func (e *Engine) DestroySession(ctx context.Context, sessionID string) {
	start := time.Now()
	existed := e.destroy(sessionID)
	notes := "destroyed"
	if !existed {
		notes = "already absent"
	}
	e.record(OpDestroySession, sessionID, start, nil, notes)
}

func (e *Engine) destroy(sessionID string) bool {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	e.destroyLocked(s)
	s.mu.Unlock()
	metrics.SessionsActive.Dec()
	return true
}

func (e *Engine) destroyLocked(s *session) {
	s.destroyed = true
	wipe(s.encKey)
	wipe(s.macKey)
	wipe(s.private)
	s.encKey, s.macKey, s.private = nil, nil, nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	e.tokensMu.Lock()
	for id := range s.tokenIDs {
		if rec, ok := e.tokens[id]; ok {
			rec.token.Revoked = true
		}
	}
	e.tokensMu.Unlock()
}

// SharedSecret derives a peer key from the session's ephemeral private key and
// the peer's X25519 public key.
func (e *Engine) SharedSecret(ctx context.Context, sessionID string, peerPublic []byte) ([]byte, error) {
	start := time.Now()
	key, err := e.sharedSecret(ctx, sessionID, peerPublic)
	e.record(OpSharedSecret, sessionID, start, err, "")
	return key, err
}

func (e *Engine) sharedSecret(ctx context.Context, sessionID string, peerPublic []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(peerPublic) != keySize {
		return nil, apperrors.NewValidationFailedError("peer public key must be 32 bytes")
	}
	s := e.lookup(sessionID)
	if s == nil {
		return nil, apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !e.liveLocked(s) {
		return nil, apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}
	key, err := sharedKey(s.private, s.public, peerPublic)
	if err != nil {
		return nil, apperrors.NewValidationFailedError("peer public key rejected")
	}
	return key, nil
}

func (e *Engine) SessionInfo(sessionID string) (*SessionInfo, error) {
	s := e.lookup(sessionID)
	if s == nil {
		return nil, apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !e.liveLocked(s) {
		return nil, apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}
	return &SessionInfo{
		SessionID:       s.id,
		PublicKey:       append([]byte(nil), s.public...),
		CreatedAt:       s.createdAt,
		ExpiresAt:       s.expiresAt,
		RotationPending: s.rotationPending,
		KeyVersion:      s.keyVersion,
	}, nil
}

func (e *Engine) ActiveSessions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// SweepResult summarises one pass of the expiry sweep.
type SweepResult struct {
	Destroyed    int
	Rotated      int
	TokensPurged int
	Errors       int
}

// Sweep destroys expired sessions, rotates sessions inside the rotation window
// and purges expired tokens. A failure on one session does not stop the pass.
func (e *Engine) Sweep() SweepResult {
	start := time.Now()
	now := e.now()
	var result SweepResult

	e.mu.RLock()
	candidates := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		candidates = append(candidates, s)
	}
	e.mu.RUnlock()

	for _, s := range candidates {
		s.mu.Lock()
		expired := !now.Before(s.expiresAt)
		rotate := !expired &&
			!now.Before(s.expiresAt.Add(-e.cfg.RotationLead)) &&
			s.expiresAt.Before(s.createdAt.Add(e.cfg.MaxLifetime))
		if rotate {
			s.rotationPending = true
		}
		id := s.id
		s.mu.Unlock()

		switch {
		case expired:
			if e.destroy(id) {
				result.Destroyed++
			}
		case rotate:
			if err := e.rotate(id, "sweep"); err != nil {
				result.Errors++
				e.log.Warn("Sweep rotation failed", map[string]interface{}{
					"sessionId": logger.ShortID(id),
					"error":     err,
				})
				continue
			}
			result.Rotated++
		}
	}

	e.tokensMu.Lock()
	for id, rec := range e.tokens {
		if !now.Before(rec.token.ExpiresAt) {
			delete(e.tokens, id)
			result.TokensPurged++
		}
	}
	e.tokensMu.Unlock()

	e.record(OpSweep, "", start, nil, fmt.Sprintf("destroyed=%d rotated=%d tokens=%d errors=%d",
		result.Destroyed, result.Rotated, result.TokensPurged, result.Errors))
	return result
}

// Start launches the periodic sweep. It is safe to call more than once.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.sweepLoop(ctx)
	})
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			res := e.Sweep()
			if res.Destroyed+res.Rotated+res.TokensPurged+res.Errors > 0 {
				e.log.Info("Session sweep completed", map[string]interface{}{
					"destroyed":    res.Destroyed,
					"rotated":      res.Rotated,
					"tokensPurged": res.TokensPurged,
					"errors":       res.Errors,
				})
			}
		}
	}
}

// Close stops background work and destroys every remaining session.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()

	e.mu.RLock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		e.destroy(id)
	}
}

// AuditLog returns the retained audit entries, oldest first.
func (e *Engine) AuditLog() []AuditEntry {
	return e.audit.snapshot()
}

func (e *Engine) ComplianceReport() ComplianceReport {
	report := buildReport(e.audit.snapshot(), e.cfg, e.now())
	report.ActiveSessions = e.ActiveSessions()

	now := e.now()
	e.tokensMu.Lock()
	for _, rec := range e.tokens {
		if !rec.token.Revoked && now.Before(rec.token.ExpiresAt) {
			report.ActiveTokens++
		}
	}
	e.tokensMu.Unlock()
	return report
}

func (e *Engine) lookup(sessionID string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[sessionID]
}

func (e *Engine) liveLocked(s *session) bool {
	return !s.destroyed && e.now().Before(s.expiresAt)
}

func (e *Engine) scheduleRotationLocked(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.expiresAt.Before(s.createdAt.Add(e.cfg.MaxLifetime)) {
		return
	}
	delay := s.expiresAt.Add(-e.cfg.RotationLead).Sub(e.now())
	if delay <= 0 {
		return
	}
	id := s.id
	s.timer = time.AfterFunc(delay, func() {
		select {
		case <-e.stop:
			return
		default:
		}
		if err := e.rotate(id, "scheduled"); err != nil && !errors.Is(err, apperrors.ErrSessionNotFound) {
			e.log.Warn("Scheduled rotation failed", map[string]interface{}{
				"sessionId": logger.ShortID(id),
				"error":     err,
			})
		}
	})
}

func (e *Engine) record(op Operation, sessionID string, start time.Time, err error, notes string) {
	elapsed := time.Since(start)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		var stdErr *apperrors.StandardError
		if notes == "" && errors.As(err, &stdErr) {
			notes = string(stdErr.Code)
		} else if notes == "" {
			notes = err.Error()
		}
	}

	e.audit.append(AuditEntry{
		Operation:     op,
		SessionID:     logger.ShortID(sessionID),
		Success:       err == nil,
		Duration:      elapsed,
		SecurityLevel: securityLevel(err),
		Notes:         notes,
		Timestamp:     e.now(),
	})
	metrics.CryptoOperations.WithLabelValues(string(op), outcome).Inc()
	metrics.CryptoDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func securityLevel(err error) SecurityLevel {
	switch {
	case err == nil:
		return LevelStandard
	case errors.Is(err, apperrors.ErrAuthenticationFailed):
		return LevelCritical
	case errors.Is(err, apperrors.ErrTokenInvalid), errors.Is(err, apperrors.ErrSessionNotFound):
		return LevelElevated
	default:
		return LevelStandard
	}
}

func associatedData(sessionID string, ts time.Time, keyVersion int) []byte {
	ad := make([]byte, 0, len(sessionID)+32)
	ad = append(ad, sessionID...)
	ad = append(ad, '|')
	ad = strconv.AppendInt(ad, ts.UnixNano(), 10)
	ad = append(ad, '|')
	ad = strconv.AppendInt(ad, int64(keyVersion), 10)
	return ad
}
