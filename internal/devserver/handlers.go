package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nvake/sesh/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Wire DTOs mirror the backend's JSON field names. Timestamps marshal
// as RFC3339Nano, one of the two formats the client accepts.

type wireMessage struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Role      string         `json:"role"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type wireSession struct {
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	SessionName  string         `json:"session_name,omitempty"`
	Status       string         `json:"status"`
	Messages     []wireMessage  `json:"messages"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	MessageCount int            `json:"message_count"`
	Context      map[string]any `json:"context,omitempty"`
}

type wireList struct {
	Sessions   []wireSession `json:"sessions"`
	TotalCount int           `json:"total_count"`
	HasMore    bool          `json:"has_more"`
	NextOffset *int          `json:"next_offset,omitempty"`
}

type wireChunk struct {
	Content   string    `json:"content,omitempty"`
	ChunkType string    `json:"chunk_type"`
	MessageID string    `json:"message_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type createRequest struct {
	UserID      string         `json:"user_id"`
	SessionName string         `json:"session_name"`
	Context     map[string]any `json:"context"`
}

type updateRequest struct {
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	SessionName *string        `json:"session_name"`
	Status      *string        `json:"status"`
	Context     map[string]any `json:"context"`
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Stream    bool   `json:"stream"`
}

type queryResponse struct {
	SessionID      string      `json:"session_id"`
	Message        wireMessage `json:"message"`
	Status         string      `json:"status"`
	ProcessingTime float64     `json:"processing_time"`
}

func toWireMessage(m session.Message) wireMessage {
	return wireMessage{
		ID:        m.ID,
		Content:   m.Content,
		Role:      string(m.Role),
		Timestamp: m.Timestamp,
		SessionID: m.SessionID,
		Metadata:  m.Metadata,
	}
}

func toWireSession(sess *session.Session) wireSession {
	out := wireSession{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		SessionName:  sess.Name,
		Status:       string(sess.Status),
		Messages:     make([]wireMessage, 0, len(sess.Messages)),
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
		MessageCount: sess.MessageCount,
		Context:      sess.Context,
	}
	for _, m := range sess.Messages {
		out.Messages = append(out.Messages, toWireMessage(m))
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"timestamp":    time.Now().UTC(),
		"version":      "dev",
		"dependencies": map[string]string{"state": "in-memory"},
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = "default_user"
	}

	sess := session.New(req.UserID, req.SessionName)
	if sess.Name == "" {
		sess.Name = "Session " + sess.ID[:8]
	}
	sess.Context = req.Context

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Debug("session created", "session_id", sess.ID, "user_id", sess.UserID)
	writeJSON(w, http.StatusOK, toWireSession(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	limit := queryInt(r, "limit", defaultListLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	all := s.userSessions(userID)
	total := len(all)

	page := wireList{Sessions: make([]wireSession, 0, limit), TotalCount: total}
	for i := offset; i < total && i < offset+limit; i++ {
		ws := toWireSession(all[i])
		ws.Messages = nil
		page.Sessions = append(page.Sessions, ws)
	}
	if offset+limit < total {
		page.HasMore = true
		next := offset + limit
		page.NextOffset = &next
	}

	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")

	sess, ok := s.lookup(id, userID)
	if !ok {
		httpError(w, http.StatusNotFound, "Session %s not found or access denied", id)
		return
	}
	writeJSON(w, http.StatusOK, toWireSession(sess))
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID != "" && req.SessionID != id {
		httpError(w, http.StatusBadRequest, "Session ID in path must match request body")
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && req.UserID != "" && sess.UserID != req.UserID {
		ok = false
	}
	if ok {
		if req.SessionName != nil {
			sess.Name = *req.SessionName
		}
		if req.Status != nil {
			sess.Status = session.Status(*req.Status)
		}
		if req.Context != nil {
			sess.Context = req.Context
		}
		sess.Touch(time.Now())
		sess = sess.Clone()
	}
	s.mu.Unlock()

	if !ok {
		httpError(w, http.StatusNotFound, "Session %s not found or access denied", id)
		return
	}
	writeJSON(w, http.StatusOK, toWireSession(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && userID != "" && sess.UserID != userID {
		ok = false
	}
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		httpError(w, http.StatusNotFound, "Session %s not found or access denied", id)
		return
	}
	s.logger.Debug("session deleted", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   fmt.Sprintf("Session %s deleted successfully", id),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" {
		httpError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.SessionID == "" {
		httpError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	reply, ok := s.recordTurn(req.SessionID, req.UserID, req.Query)
	if !ok {
		httpError(w, http.StatusNotFound, "Session %s not found or access denied", req.SessionID)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		SessionID:      req.SessionID,
		Message:        toWireMessage(reply),
		Status:         "completed",
		ProcessingTime: time.Since(start).Seconds(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if s.takeEmptyStream() {
		s.logger.Debug("ending stream early", "session_id", req.SessionID)
		flusher.Flush()
		return
	}

	if req.Query == "" || req.SessionID == "" {
		writeFrame(w, flusher, wireChunk{
			ChunkType: string(session.ChunkError),
			SessionID: req.SessionID,
			Error:     "query and session_id are required",
			Timestamp: time.Now().UTC(),
		})
		writeDone(w, flusher)
		return
	}

	reply, ok := s.recordTurn(req.SessionID, req.UserID, req.Query)
	if !ok {
		writeFrame(w, flusher, wireChunk{
			ChunkType: string(session.ChunkError),
			SessionID: req.SessionID,
			Error:     fmt.Sprintf("Session %s not found or access denied", req.SessionID),
			Timestamp: time.Now().UTC(),
		})
		writeDone(w, flusher)
		return
	}

	writeFrame(w, flusher, wireChunk{
		ChunkType: string(session.ChunkStart),
		MessageID: reply.ID,
		SessionID: req.SessionID,
		Timestamp: time.Now().UTC(),
	})
	for _, piece := range chunkText(reply.Content) {
		if s.streamDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.streamDelay):
			}
		}
		writeFrame(w, flusher, wireChunk{
			Content:   piece,
			ChunkType: string(session.ChunkDelta),
			MessageID: reply.ID,
			SessionID: req.SessionID,
			Timestamp: time.Now().UTC(),
		})
	}
	writeFrame(w, flusher, wireChunk{
		ChunkType: string(session.ChunkComplete),
		MessageID: reply.ID,
		SessionID: req.SessionID,
		Timestamp: time.Now().UTC(),
	})
	writeDone(w, flusher)
}

// recordTurn appends the user's message and a generated reply to the
// session and returns the reply. The turn lands before any frame goes
// out, so a dropped client still finds it on reconnect.
func (s *Server) recordTurn(id, userID, query string) (session.Message, bool) {
	reply := s.nextReply(query)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || (userID != "" && sess.UserID != userID) {
		return session.Message{}, false
	}
	sess.Append(session.NewMessage(id, session.RoleUser, query))
	replyMsg := session.NewMessage(id, session.RoleAssistant, reply)
	sess.Append(replyMsg)
	sess.Touch(time.Now())
	return replyMsg, true
}

func (s *Server) lookup(id, userID string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || (userID != "" && sess.UserID != userID) {
		return nil, false
	}
	return sess.Clone(), true
}

// chunkText splits text after each space so the pieces concatenate
// back to the original, mimicking the word-at-a-time pacing of the
// real backend.
func chunkText(text string) []string {
	var parts []string
	for len(text) > 0 {
		i := strings.IndexByte(text, ' ')
		if i < 0 {
			parts = append(parts, text)
			break
		}
		parts = append(parts, text[:i+1])
		text = text[i+1:]
	}
	return parts
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"detail": fmt.Sprintf(format, args...)})
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, chunk wireChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func writeDone(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
