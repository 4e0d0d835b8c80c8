package api

import (
	"net/http"

	apperrors "peer-tether/internal/common/errors"
	"peer-tether/internal/tether/sessioncrypto"
)

type createSessionRequest struct {
	Secret string `json:"secret"`
}

type encryptRequest struct {
	Plaintext string `json:"plaintext"`
}

type decryptRequest struct {
	Bundle sessioncrypto.Bundle `json:"bundle"`
}

type decryptResponse struct {
	Plaintext string `json:"plaintext"`
}

type issueTokenRequest struct {
	Permissions []sessioncrypto.Permission `json:"permissions"`
}

type sharedSecretRequest struct {
	PeerPublicKey []byte `json:"peer_public_key"`
}

type sharedSecretResponse struct {
	SessionID string `json:"session_id"`
	SharedKey []byte `json:"shared_key"`
}

// sessionToken returns the caller's token ID. Every session route except
// creation requires one over HTTP, even where the engine treats it as
// optional.
func sessionToken(r *http.Request) (string, error) {
	token := r.Header.Get(tokenHeader)
	if token == "" {
		return "", apperrors.NewTokenInvalidError("missing " + tokenHeader + " header")
	}
	return token, nil
}

// authorize validates the header token for perm on the path session.
func (s *Server) authorize(r *http.Request, perm sessioncrypto.Permission) (sessionID, token string, err error) {
	sessionID = pathID(r)
	token, err = sessionToken(r)
	if err != nil {
		return "", "", err
	}
	if err := s.sessions.ValidateToken(r.Context(), token, sessionID, perm); err != nil {
		return "", "", err
	}
	return sessionID, token, nil
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, createSessionSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	handle, err := s.sessions.CreateSession(r.Context(), []byte(req.Secret))
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sessionID, _, err := s.authorize(r, sessioncrypto.PermissionAny)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	info, err := s.sessions.SessionInfo(sessionID)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	var req encryptRequest
	if err := decode(r, encryptSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	bundle, err := s.sessions.Encrypt(r.Context(), []byte(req.Plaintext), pathID(r), token)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	var req decryptRequest
	if err := decode(r, decryptSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	plaintext, err := s.sessions.Decrypt(r.Context(), &req.Bundle, pathID(r), token)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decryptResponse{Plaintext: string(plaintext)})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	if err := s.sessions.RotateKeys(r.Context(), pathID(r), token); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	info, err := s.sessions.SessionInfo(pathID(r))
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	sessionID, _, err := s.authorize(r, sessioncrypto.PermissionRotate)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	s.sessions.DestroySession(r.Context(), sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	sessionID, _, err := s.authorize(r, sessioncrypto.PermissionRotate)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	var req issueTokenRequest
	if err := decode(r, issueTokenSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	token, err := s.sessions.IssueToken(r.Context(), sessionID, req.Permissions)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

// handleRevokeToken needs no second credential: knowing a token's ID is
// what grants its use.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.RevokeToken(r.Context(), pathID(r)); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSharedSecret(w http.ResponseWriter, r *http.Request) {
	sessionID, _, err := s.authorize(r, sessioncrypto.PermissionEncrypt)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	var req sharedSecretRequest
	if err := decode(r, sharedSecretSchema, &req); err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	key, err := s.sessions.SharedSecret(r.Context(), sessionID, req.PeerPublicKey)
	if err != nil {
		s.errs.HandleHTTPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sharedSecretResponse{SessionID: sessionID, SharedKey: key})
}
