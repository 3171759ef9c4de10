package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"securechat/internal/audit"
	"securechat/internal/crypto"
	"securechat/internal/db"
	"securechat/internal/keystore"
	"securechat/internal/logging"
	"securechat/internal/protocol"
)

const maxBodySize = 1 << 20

// lowOneTimeKeys is the pool size below which fetches warn.
const lowOneTimeKeys = 5

// History page sizes.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// authedHandler serves a request on behalf of an authenticated user.
type authedHandler func(w http.ResponseWriter, r *http.Request, user *db.User)

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.HandleWebSocket)
	mux.HandleFunc("POST /users", s.handleRegister)

	mux.Handle("POST /keys", s.authed(strict, s.handlePublishKeys))
	mux.Handle("GET /keys/{userId}", s.authed(moderate, s.handleFetchKeys))
	mux.Handle("POST /keys/{userId}/{deviceId}/claim", s.authed(moderate, s.handleClaimKey))
	mux.Handle("POST /session/establish", s.authed(moderate, s.handleEstablish))

	mux.Handle("POST /conversations", s.authed(moderate, s.handleCreateConversation))
	mux.Handle("GET /conversations/{id}", s.authed(moderate, s.handleGetConversation))
	mux.Handle("GET /conversations/{id}/key", s.authed(moderate, s.handleConversationKey))
	mux.Handle("POST /conversations/{id}/messages", s.authed(moderate, s.handleFallbackSend))
	mux.Handle("GET /conversations/{id}/messages", s.authed(moderate, s.handleHistory))
	return mux
}

func (s *Server) authenticate(r *http.Request) (*db.User, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, protocol.Errorf(protocol.CodeAuthRequired, "missing bearer token")
	}
	user, err := s.database.UserByToken(token)
	if errors.Is(err, db.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeAuthRequired, "invalid token")
	}
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeInternal, err, "failed to authenticate")
	}
	return user, nil
}

func (s *Server) authed(class rateClass, h authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if !s.limits.allow(class, user.ID) {
			writeError(w, protocol.Errorf(protocol.CodeRateLimited, "rate limit exceeded"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		h(w, r, user)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.WarnWithError("Failed to write response", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		pe = protocol.Wrap(protocol.CodeInternal, err, "")
	}
	msg := pe.Error()
	if pe.Code == protocol.CodeInternal {
		logging.ErrorWithError("Request failed", err)
		msg = "internal error"
	}
	writeJSON(w, pe.HTTPStatus(), protocol.ErrorResponse{Code: pe.Code, Message: msg})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return protocol.Wrap(protocol.CodeBadRequest, err, "invalid request body")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.Health{Status: "ok", Connections: int(s.online.Load())})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.globalRate.Allow() {
		writeError(w, protocol.Errorf(protocol.CodeRateLimited, "rate limit exceeded"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req protocol.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || len(req.Username) > 64 {
		writeError(w, protocol.Errorf(protocol.CodeBadRequest, "username must be 1-64 characters"))
		return
	}

	token, err := crypto.GenerateUserToken()
	if err != nil {
		logging.ErrorWithError("Failed to generate user token for registration", err, map[string]string{"username": req.Username})
		writeError(w, err)
		return
	}
	user := &db.User{ID: uuid.New().String(), Username: req.Username}
	if err := s.database.CreateUser(user, token); err != nil {
		if errors.Is(err, db.ErrUserExists) {
			logging.Warn("User registration rejected - username already exists", map[string]string{"username": req.Username})
			writeError(w, protocol.Wrap(protocol.CodeBadRequest, err, ""))
			return
		}
		writeError(w, err)
		return
	}

	logging.Info("User registered", map[string]string{"username": user.Username, "user": user.ID})
	writeJSON(w, http.StatusCreated, protocol.RegisterResponse{UserID: user.ID, Token: token})
}

func (s *Server) handlePublishKeys(w http.ResponseWriter, r *http.Request, user *db.User) {
	var req protocol.PublishRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b := req.Bundle
	if b.UserID == "" {
		b.UserID = user.ID
	}
	if b.UserID != user.ID {
		audit.Record(r.Context(), s.audit, user.ID, audit.EventUnauthorizedAccess, audit.SeverityHigh, map[string]any{
			"action": "publish", "targetUserId": b.UserID,
		})
		writeError(w, protocol.Errorf(protocol.CodeForbidden, "cannot publish keys for another user"))
		return
	}
	if err := b.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := verifyBundle(&b); err != nil {
		audit.Record(r.Context(), s.audit, user.ID, audit.EventInvalidSignature, audit.SeverityHigh, map[string]any{
			"action": "publish", "deviceId": b.DeviceID,
		})
		writeError(w, err)
		return
	}

	if err := s.keys.Publish(b, req.OneTimePreKeys); err != nil {
		writeError(w, err)
		return
	}
	audit.Record(r.Context(), s.audit, user.ID, audit.EventKeysPublished, audit.SeverityLow, map[string]any{
		"deviceId":    b.DeviceID,
		"oneTimeKeys": len(req.OneTimePreKeys),
		"postQuantum": b.KyberPreKey != nil,
	})
	w.WriteHeader(http.StatusNoContent)
}

// verifyBundle refuses bundles whose pre-keys are not signed by the identity key.
func verifyBundle(b *protocol.PreKeyBundle) error {
	identity, _ := protocol.DecodeKey(b.IdentityKey)
	key, _ := protocol.DecodeKey(b.SignedPreKey.Key)
	sig, _ := protocol.DecodeKey(b.SignedPreKey.Signature)
	if !crypto.Verify(identity, key, sig) {
		return protocol.Errorf(protocol.CodeInvalidSignature, "signed pre-key signature mismatch")
	}
	if b.KyberPreKey != nil {
		key, err1 := protocol.DecodeKey(b.KyberPreKey.Key)
		sig, err2 := protocol.DecodeKey(b.KyberPreKey.Signature)
		if err1 != nil || err2 != nil || !crypto.Verify(identity, key, sig) {
			return protocol.Errorf(protocol.CodeInvalidSignature, "kyber pre-key signature mismatch")
		}
	}
	return nil
}

// requireSharedContext refuses key access between users without a common conversation.
func (s *Server) requireSharedContext(r *http.Request, user *db.User, targetID, action string) error {
	if targetID == "" {
		return protocol.Errorf(protocol.CodeBadRequest, "user id is required")
	}
	shared, err := s.database.ShareConversation(user.ID, targetID)
	if err != nil {
		return protocol.Wrap(protocol.CodeInternal, err, "shared context check failed")
	}
	if !shared {
		audit.Record(r.Context(), s.audit, user.ID, audit.EventUnauthorizedAccess, audit.SeverityMedium, map[string]any{
			"action": action, "targetUserId": targetID,
		})
		return protocol.Errorf(protocol.CodeForbidden, "no shared conversation with %s", targetID)
	}
	return nil
}

func (s *Server) handleFetchKeys(w http.ResponseWriter, r *http.Request, user *db.User) {
	target := r.PathValue("userId")
	if err := s.requireSharedContext(r, user, target, "fetch"); err != nil {
		writeError(w, err)
		return
	}
	s.writeBundle(w, r, user, target, "")
}

func (s *Server) writeBundle(w http.ResponseWriter, r *http.Request, user *db.User, target, conversationID string) {
	bundle, err := s.keys.FetchBundle(r.Context(), target, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	md := map[string]any{"targetUserId": target, "deviceId": bundle.DeviceID}
	if conversationID != "" {
		md["conversationId"] = conversationID
	}
	audit.Record(r.Context(), s.audit, user.ID, audit.EventKeyBundleFetched, audit.SeverityLow, md)
	if n, err := s.keys.RemainingOneTimeKeys(target, bundle.DeviceID); err == nil && n < lowOneTimeKeys {
		logging.Warn("One-time pre-key pool running low", map[string]string{
			"user":      target,
			"remaining": strconv.Itoa(n),
		})
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleClaimKey(w http.ResponseWriter, r *http.Request, user *db.User) {
	target := r.PathValue("userId")
	if err := s.requireSharedContext(r, user, target, "claim"); err != nil {
		writeError(w, err)
		return
	}
	device, err := strconv.ParseUint(r.PathValue("deviceId"), 10, 32)
	if err != nil {
		writeError(w, protocol.Errorf(protocol.CodeBadRequest, "invalid device id"))
		return
	}
	var req protocol.ClaimRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	err = s.keys.ConsumeOneTimeKey(protocol.BundleID(target, uint32(device)), req.KeyID)
	if errors.Is(err, keystore.ErrAlreadyConsumed) {
		writeError(w, protocol.Wrap(protocol.CodeKeysNotFound, err, ""))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEstablish(w http.ResponseWriter, r *http.Request, user *db.User) {
	var req protocol.EstablishRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RecipientUserID == "" || req.ConversationID == "" {
		writeError(w, protocol.Errorf(protocol.CodeBadRequest, "recipientUserId and conversationId are required"))
		return
	}

	allowed := true
	for _, uid := range []string{user.ID, req.RecipientUserID} {
		ok, err := s.database.IsConversationMember(r.Context(), uid, req.ConversationID)
		if err != nil {
			writeError(w, dbError(err))
			return
		}
		allowed = allowed && ok
	}
	if !allowed {
		audit.Record(r.Context(), s.audit, user.ID, audit.EventUnauthorizedAccess, audit.SeverityMedium, map[string]any{
			"action":         "establish",
			"targetUserId":   req.RecipientUserID,
			"conversationId": req.ConversationID,
		})
		writeError(w, protocol.Errorf(protocol.CodeForbidden, "both users must be members of the conversation"))
		return
	}
	s.writeBundle(w, r, user, req.RecipientUserID, req.ConversationID)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, user *db.User) {
	var req protocol.CreateConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	mode := protocol.ParseMode(string(req.Mode))
	if req.Mode != "" && mode != req.Mode {
		writeError(w, protocol.Errorf(protocol.CodeBadRequest, "unknown mode %q", req.Mode))
		return
	}

	members := []string{user.ID}
	seen := map[string]bool{user.ID: true}
	for _, m := range req.Members {
		if seen[m] {
			continue
		}
		if _, err := s.database.GetUser(m); err != nil {
			writeError(w, protocol.Errorf(protocol.CodeBadRequest, "unknown member %s", m))
			return
		}
		seen[m] = true
		members = append(members, m)
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, err := s.database.GetConversation(id); err == nil {
		writeError(w, protocol.Errorf(protocol.CodeBadRequest, "conversation %s already exists", id))
		return
	}

	conv := &db.Conversation{ID: id, Mode: mode, Members: members, CreatedBy: user.ID}
	if err := s.database.CreateConversation(conv); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.Conversation{ID: conv.ID, Mode: conv.Mode, Members: conv.Members})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, user *db.User) {
	conv, err := s.memberConversation(user.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Conversation{ID: conv.ID, Mode: conv.Mode, Members: conv.Members})
}

func (s *Server) handleConversationKey(w http.ResponseWriter, r *http.Request, user *db.User) {
	conv, err := s.memberConversation(user.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if conv.Mode != protocol.ModeServerEncrypted {
		writeError(w, protocol.Errorf(protocol.CodeBadRequest, "conversation %s is not server-encrypted", conv.ID))
		return
	}
	writeJSON(w, http.StatusOK, protocol.ConversationKey{
		Key:     protocol.EncodeKey(s.keyring.ConversationKey(conv.ID)),
		Version: s.keyring.Version(),
	})
}

// handleFallbackSend is the request/response send used when the duplex
// channel fails. It never accepts encrypted payloads.
func (s *Server) handleFallbackSend(w http.ResponseWriter, r *http.Request, user *db.User) {
	var m protocol.ChatMessage
	if err := decodeBody(r, &m); err != nil {
		writeError(w, err)
		return
	}
	if m.IsEncrypted() || m.EncryptionMetadata != nil {
		writeError(w, protocol.Errorf(protocol.CodeBadRequest, "encrypted payloads are not accepted on the fallback channel"))
		return
	}
	m.ConversationID = r.PathValue("id")

	stored, err := s.acceptMessage(user.ID, &m)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// handleHistory returns the latest messages of a conversation, oldest first.
// Stored e2ee messages hold only their payloads.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, user *db.User) {
	conv, err := s.memberConversation(user.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, protocol.Errorf(protocol.CodeBadRequest, "invalid limit %q", v))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := s.database.ConversationMessages(conv.ID, limit)
	if err != nil {
		writeError(w, dbError(err))
		return
	}
	if msgs == nil {
		msgs = []*protocol.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
