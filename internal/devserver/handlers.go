package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const maxPageSize = 500

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	User        User   `json:"user"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func encodeErrorFrame(detail string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "error",
		"data": map[string]string{"detail": detail},
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		jsonError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.store.Register(req.Username, req.Email, req.Password)
	if errors.Is(err, ErrUserExists) {
		jsonError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info().Str("user", user.Username).Msg("user registered")
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	user, err := s.store.Authenticate(r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		jsonError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: s.store.IssueToken(user.Username),
		TokenType:   "bearer",
		User:        user,
	})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.store.RevokeToken(token)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) listUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Users())
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) {
	other := chi.URLParam(r, "other")
	if _, err := s.store.User(other); err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}

	skip, err := queryInt(r, "skip", 0)
	if err != nil || skip < 0 {
		jsonError(w, http.StatusBadRequest, "invalid skip")
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit <= 0 || limit > maxPageSize {
		jsonError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	writeJSON(w, http.StatusOK, s.store.Conversation(currentUser(r).Username, other, skip, limit))
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	msg, err := s.store.MarkRead(chi.URLParam(r, "id"), currentUser(r).Username)
	switch {
	case errors.Is(err, ErrMessageNotFound):
		jsonError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ErrNotRecipient):
		jsonError(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.notifyRead(msg.SenderID, msg.ID, *msg.ReadAt)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	user, ok := s.store.Resolve(chi.URLParam(r, "token"))
	if !ok {
		jsonError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	s.wg.Add(1)
	go s.serveClient(newClient(conn, user.Username))
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
