package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"reservia/internal/database"
	"reservia/internal/engine"
	"reservia/internal/models"
	"reservia/internal/service"
)

type reservationResponse struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	ResourceID int64      `json:"resource_id"`
	Status     string     `json:"status"`
	Requested  time.Time  `json:"request_date"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

func toReservationResponse(r *models.Reservation) reservationResponse {
	return reservationResponse{
		ID:         r.ID,
		UserID:     r.UserID,
		ResourceID: r.ResourceID,
		Status:     r.Status(),
		Requested:  r.RequestDate,
		ValidUntil: r.ValidUntil,
	}
}

type reservationRequest struct {
	ResourceID int64 `json:"resource_id"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.users.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if errors.Is(err, service.ErrTooManyAttempts) {
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}
		s.log.Error().Err(err).Msg("login failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.session.CookieName,
		Value:    session.Token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   s.session.TTLSeconds,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  session.UserID,
		"name":     session.UserName,
		"is_admin": session.IsAdmin,
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if cookie, err := r.Cookie(s.session.CookieName); err == nil && cookie.Value != "" {
		if err := s.users.Logout(r.Context(), cookie.Value); err != nil {
			s.log.Warn().Err(err).Msg("logout failed")
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.session.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *HTTPServer) handleResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resources, err := s.db.GetResources(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list resources")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (s *HTTPServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	session, resourceID, ok := s.decodeReservationCall(w, r)
	if !ok {
		return
	}

	reservation, approved, err := s.engine.Request(r.Context(), session.UserID, resourceID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	status := http.StatusAccepted
	if approved {
		status = http.StatusCreated
	}
	writeJSON(w, status, toReservationResponse(reservation))
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	session, resourceID, ok := s.decodeReservationCall(w, r)
	if !ok {
		return
	}

	reservation, err := s.engine.Cancel(r.Context(), session.UserID, resourceID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(reservation))
}

func (s *HTTPServer) handleRelease(w http.ResponseWriter, r *http.Request) {
	session, resourceID, ok := s.decodeReservationCall(w, r)
	if !ok {
		return
	}

	reservation, err := s.engine.Release(r.Context(), session.UserID, resourceID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(reservation))
}

func (s *HTTPServer) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	session, resourceID, ok := s.decodeReservationCall(w, r)
	if !ok {
		return
	}

	reservation, err := s.engine.KeepAlive(r.Context(), session.UserID, resourceID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(reservation))
}

func (s *HTTPServer) handleActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter := database.ActiveFilter{}
	if v := r.URL.Query().Get("resource_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid resource_id")
			return
		}
		filter.ResourceID = id
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		filter.UserID = id
	}

	reservations, err := s.engine.QueryActive(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query active reservations")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]reservationResponse, 0, len(reservations))
	for _, res := range reservations {
		out = append(out, toReservationResponse(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": out})
}

func (s *HTTPServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		IsAdmin  bool   `json:"is_admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name and password are required")
		return
	}

	user, err := s.users.CreateUser(r.Context(), req.Name, req.Email, req.Password, req.IsAdmin)
	if err != nil {
		if errors.Is(err, service.ErrUserExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		s.log.Error().Err(err).Msg("failed to create user")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"name":     user.Name,
		"is_admin": user.IsAdmin,
	})
}

func (s *HTTPServer) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var res models.Resource
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if res.ID <= 0 || res.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}

	if _, err := s.db.GetResourceByID(r.Context(), res.ID); err == nil {
		writeError(w, http.StatusConflict, "resource already exists")
		return
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.log.Error().Err(err).Msg("failed to look up resource")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.db.CreateResource(r.Context(), &res); err != nil {
		s.log.Error().Err(err).Msg("failed to create resource")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "export is not configured")
		return
	}

	var req struct {
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_date, expected YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_date, expected YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end_date is before start_date")
		return
	}

	path, err := s.exporter.ReservationHistory(r.Context(), start, end.Add(24*time.Hour))
	if err != nil {
		s.log.Error().Err(err).Msg("export failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file": path})
}

// decodeReservationCall handles the shared shape of the four lifecycle
// endpoints: POST + JSON body with resource_id + an existing resource.
func (s *HTTPServer) decodeReservationCall(w http.ResponseWriter, r *http.Request) (*models.Session, int64, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, 0, false
	}

	session := sessionFromContext(r.Context())
	if session == nil {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return nil, 0, false
	}

	var req reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, 0, false
	}
	if req.ResourceID <= 0 {
		writeError(w, http.StatusBadRequest, "resource_id is required")
		return nil, 0, false
	}

	if _, err := s.db.GetResourceByID(r.Context(), req.ResourceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "unknown resource")
			return nil, 0, false
		}
		s.log.Error().Err(err).Msg("failed to look up resource")
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, 0, false
	}

	return session, req.ResourceID, true
}

func (s *HTTPServer) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, database.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "concurrent modification, retry")
	default:
		s.log.Error().Err(err).Msg("reservation operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
