package pots

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/justinas/alice"

	"github.com/LeonardoBeccarini/smartpots/internal/model"
	"github.com/LeonardoBeccarini/smartpots/internal/storage"
	"github.com/LeonardoBeccarini/smartpots/pkg/errcode"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
)

// DefaultAskedGrace is how long a user who was advised against watering is not asked again.
const DefaultAskedGrace = 5 * time.Minute

const advisedAgainstMessage = "Watering is not recommended between 12:00 and 18:00 or in strong sunlight. Turn on anyway?"

// Server exposes the pot control flow over HTTP. Telemetry, Health, Ready and Metrics
// are mounted when set.
type Server struct {
	svc      *Service
	sessions *scs.SessionManager

	AskedGrace time.Duration

	Telemetry http.Handler
	Health    http.Handler
	Ready     http.Handler
	Metrics   http.Handler
}

func NewServer(svc *Service, sessions *scs.SessionManager) *Server {
	return &Server{svc: svc, sessions: sessions, AskedGrace: DefaultAskedGrace}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	for pattern, h := range map[string]http.Handler{
		"GET /healthz": s.Health,
		"GET /readyz":  s.Ready,
		"GET /metrics": s.Metrics,
	} {
		if h != nil {
			mux.Handle(pattern, h)
		}
	}
	if s.Telemetry != nil {
		mux.Handle("GET /api/pots/{id}/telemetry", s.Telemetry)
	}

	dynamic := alice.New(s.sessions.LoadAndSave)
	mux.Handle("POST /api/pots/{id}/on", dynamic.ThenFunc(s.turnOn))
	mux.HandleFunc("POST /api/pots/{id}/off", s.turnOff)
	mux.HandleFunc("POST /api/pots/{id}/mode", s.changeMode)
	mux.HandleFunc("POST /api/pots/{id}/schedule", s.setSchedule)
	mux.HandleFunc("GET /api/pots/{id}", s.getPot)
	mux.HandleFunc("DELETE /api/pots/{id}", s.deletePot)
	mux.HandleFunc("GET /api/pots/{id}/schedule", s.getSchedule)
	mux.HandleFunc("GET /api/pots/{id}/sessions", s.listSessions)
	mux.HandleFunc("GET /api/pots/{id}/advice", s.advice)
	mux.HandleFunc("GET /api/pots", s.listPots)
	mux.HandleFunc("POST /api/pots", s.createPot)

	standard := alice.New(s.recoverPanic, s.logRequest, securityHeaders)
	return standard.Then(mux)
}

type powerResponse struct {
	ID                  string `json:"id,omitempty"`
	Status              *bool  `json:"status,omitempty"`
	Message             string `json:"message"`
	RequestConfirmation bool   `json:"requestConfirmation,omitempty"`
}

func askedKey(potID string) string {
	return "advised_against:" + potID
}

func (s *Server) turnOn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	acknowledged := r.URL.Query().Get("confirm") == "true"
	if asked := s.sessions.GetTime(ctx, askedKey(id)); !asked.IsZero() && time.Since(asked) < s.AskedGrace {
		acknowledged = true
	}

	res, err := s.svc.TurnOn(ctx, id, acknowledged)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if res.NeedsConfirmation {
		s.sessions.Put(ctx, askedKey(id), time.Now())
		writeJSON(w, http.StatusOK, powerResponse{Message: advisedAgainstMessage, RequestConfirmation: true})
		return
	}
	s.sessions.Remove(ctx, askedKey(id))
	writePower(w, res, "Pot turned on successfully")
}

func (s *Server) turnOff(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.TurnOff(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	msg := "Pot turned off successfully"
	if res.AlreadyInState {
		msg = "Pot is already off"
	}
	writePower(w, res, msg)
}

func writePower(w http.ResponseWriter, res Result, msg string) {
	status := res.Status
	writeJSON(w, http.StatusOK, powerResponse{ID: res.PotID, Status: &status, Message: msg})
}

func (s *Server) changeMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode   model.Mode `json:"mode"`
		Status *bool      `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.svc.ChangeMode(r.Context(), r.PathValue("id"), req.Mode, req.Status); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Mode updated", "mode": string(req.Mode)})
}

func (s *Server) setSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartHour   *int           `json:"startHour"`
		StartMinute int            `json:"startMinute"`
		EndHour     *int           `json:"endHour"`
		EndMinute   int            `json:"endMinute"`
		Days        []time.Weekday `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.StartHour == nil || req.EndHour == nil || req.Days == nil {
		writeJSONError(w, "missing startHour, endHour or days", http.StatusBadRequest)
		return
	}
	sc := model.Schedule{
		StartHour:   *req.StartHour,
		StartMinute: req.StartMinute,
		EndHour:     *req.EndHour,
		EndMinute:   req.EndMinute,
		Days:        req.Days,
	}
	if err := s.svc.SetSchedule(r.Context(), r.PathValue("id"), sc); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Schedule saved"})
}

type potWithSchedule struct {
	*model.Pot
	Schedule *model.Schedule `json:"schedule"`
}

// getPot adds the schedule (null when unset) with ?withSchedule=true.
func (s *Server) getPot(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetPot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if r.URL.Query().Get("withSchedule") != "true" {
		writeJSON(w, http.StatusOK, p)
		return
	}
	sc, err := s.svc.Schedule(r.Context(), p.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, potWithSchedule{Pot: p, Schedule: sc})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.svc.Schedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) deletePot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.DeletePot(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Pot deleted", "id": id})
}

func (s *Server) listPots(w http.ResponseWriter, r *http.Request) {
	pots, err := s.svc.ListPots(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if pots == nil {
		pots = []model.Pot{}
	}
	writeJSON(w, http.StatusOK, pots)
}

func (s *Server) createPot(w http.ResponseWriter, r *http.Request) {
	var p model.Pot
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.svc.CreatePot(r.Context(), p); err != nil {
		writeServiceError(w, r, err)
		return
	}
	created, err := s.svc.GetPot(r.Context(), p.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeJSONError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	sessions, err := s.svc.Sessions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) advice(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Advice(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrPotNotFound):
		writeJSONError(w, "pot not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrNotFound):
		writeJSONError(w, "not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalid):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errcode.TransportUnavailable):
		writeJSONError(w, "pot unreachable, state saved but command not sent", http.StatusServiceUnavailable)
	default:
		log.Ctx(r.Context()).Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Ctx(r.Context()).Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				w.Header().Set("Connection", "close")
				log.Ctx(r.Context()).Error("panic serving request", slog.Any("panic", err))
				writeJSONError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
