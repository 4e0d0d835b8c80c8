package sessioncrypto

import (
	"context"
	"crypto/hmac"
	"fmt"
	"time"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/common/logger"
)

// IssueToken mints an additional anonymous token for a live session. The
// token expires with or before its session.
func (e *Engine) IssueToken(ctx context.Context, sessionID string, perms []Permission) (*AnonymousToken, error) {
	start := time.Now()
	tok, err := e.issueToken(ctx, sessionID, perms)
	e.record(OpIssueToken, sessionID, start, err, "")
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (e *Engine) issueToken(ctx context.Context, sessionID string, perms []Permission) (AnonymousToken, error) {
	if err := ctx.Err(); err != nil {
		return AnonymousToken{}, err
	}
	if len(perms) == 0 {
		return AnonymousToken{}, apperrors.NewValidationFailedError("at least one permission is required")
	}
	for _, p := range perms {
		switch p {
		case PermissionEncrypt, PermissionDecrypt, PermissionRotate:
		default:
			return AnonymousToken{}, apperrors.NewValidationFailedError(fmt.Sprintf("unknown permission %q", p))
		}
	}

	s := e.lookup(sessionID)
	if s == nil {
		return AnonymousToken{}, apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.liveLocked(s) {
		return AnonymousToken{}, apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}
	return e.issueLocked(s, perms)
}

// issueLocked requires s.mu held for writing.
func (e *Engine) issueLocked(s *session, perms []Permission) (AnonymousToken, error) {
	id, err := newTokenID(e.random)
	if err != nil {
		return AnonymousToken{}, apperrors.NewKeyDerivationFailedError(err)
	}

	now := e.now()
	expires := now.Add(e.cfg.TokenLifetime)
	if expires.After(s.expiresAt) {
		expires = s.expiresAt
	}

	tok := AnonymousToken{
		ID:          id,
		SessionHash: sessionHash(s.salt, s.id),
		IssuedAt:    now,
		ExpiresAt:   expires,
		Permissions: append([]Permission(nil), perms...),
	}
	rec := &tokenRecord{
		token:     tok,
		sessionID: s.id,
		signature: signToken(s.macKey, &tok),
	}

	e.tokensMu.Lock()
	e.tokens[id] = rec
	e.tokensMu.Unlock()
	s.tokenIDs[id] = struct{}{}

	tok.Permissions = append([]Permission(nil), perms...)
	return tok, nil
}

// RevokeToken marks a token unusable. Revoking twice is not an error.
func (e *Engine) RevokeToken(ctx context.Context, tokenID string) error {
	start := time.Now()
	var sessionID string
	err := ctx.Err()
	if err == nil {
		e.tokensMu.Lock()
		rec, ok := e.tokens[tokenID]
		if ok {
			rec.token.Revoked = true
			sessionID = rec.sessionID
		}
		e.tokensMu.Unlock()
		if !ok {
			err = apperrors.NewTokenInvalidError("unknown token")
		}
	}
	e.record(OpRevokeToken, sessionID, start, err, "")
	return err
}

// ValidateToken checks that tokenID is live, belongs to sessionID, grants perm
// and carries a valid signature under the session's current MAC key.
func (e *Engine) ValidateToken(ctx context.Context, tokenID, sessionID string, perm Permission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := e.lookup(sessionID)
	if s == nil {
		return apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !e.liveLocked(s) {
		return apperrors.NewSessionNotFoundError(logger.ShortID(sessionID))
	}
	return e.checkTokenLocked(s, tokenID, perm)
}

// checkTokenLocked requires s.mu held for reading.
func (e *Engine) checkTokenLocked(s *session, tokenID string, perm Permission) error {
	e.tokensMu.Lock()
	rec, ok := e.tokens[tokenID]
	var tok AnonymousToken
	var sig []byte
	var owner string
	if ok {
		tok = rec.token
		sig = rec.signature
		owner = rec.sessionID
	}
	e.tokensMu.Unlock()

	switch {
	case !ok:
		return apperrors.NewTokenInvalidError("unknown token")
	case tok.Revoked:
		return apperrors.NewTokenInvalidError("token revoked")
	case !e.now().Before(tok.ExpiresAt):
		return apperrors.NewTokenInvalidError("token expired")
	case owner != s.id || tok.SessionHash != sessionHash(s.salt, s.id):
		return apperrors.NewTokenInvalidError("token not issued for this session")
	case !tok.Allows(perm):
		return apperrors.NewTokenInvalidError(fmt.Sprintf("token lacks %s permission", perm))
	case !hmac.Equal(signToken(s.macKey, &tok), sig):
		return apperrors.NewTokenInvalidError("token signature mismatch")
	}
	return nil
}
