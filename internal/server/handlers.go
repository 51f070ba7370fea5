package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Alias1177/OddsCollector/internal/resilience"
	"github.com/Alias1177/OddsCollector/internal/scheduler"
	"github.com/Alias1177/OddsCollector/models"
)

const defaultVelocityWindow = 15 * time.Minute

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.providers.Health()
	open := 0
	for _, h := range health {
		if h.Breaker.State == resilience.StateOpen {
			open++
		}
	}
	status := "ok"
	if open > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"time":           time.Now().UTC(),
		"providers":      len(health),
		"open_circuits":  open,
		"scheduler":      s.jobs.Stats(),
		"ws_subscribers": s.hub.SubscriberCount(),
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": s.providers.Health()})
}

func (s *Server) handleResetProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.providers.ResetBreaker(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": id, "state": string(resilience.StateClosed)})
}

func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.providers.Config(id); !ok {
		writeError(w, http.StatusNotFound, "provider not registered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"provider": id, "ok": s.providers.TestOne(r.Context(), id)})
}

func (s *Server) handleCollectAll(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.TriggerAll(r.Context())
	if err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCollectProvider(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.TriggerProvider(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Failed to queue job")
		writeError(w, http.StatusInternalServerError, "failed to queue job")
	}
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.Stats())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.jobs.Pause()
	writeJSON(w, http.StatusOK, s.jobs.Stats())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.jobs.Resume()
	writeJSON(w, http.StatusOK, s.jobs.Stats())
}

func (s *Server) handleLatestOdds(w http.ResponseWriter, r *http.Request) {
	raceID := mux.Vars(r)["raceId"]
	odds, err := s.odds.GetLatestOddsForRace(r.Context(), raceID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"race_id": raceID, "odds": odds})
}

func (s *Server) handleBestOdds(w http.ResponseWriter, r *http.Request) {
	raceID := mux.Vars(r)["raceId"]
	minConfidence := s.opts.MinConfidence
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			writeError(w, http.StatusBadRequest, "min_confidence must be a number within [0, 1]")
			return
		}
		minConfidence = f
	}
	best, err := s.odds.GetBestOddsForRace(r.Context(), raceID, minConfidence)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"race_id": raceID, "min_confidence": minConfidence, "best": best})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, ok := historyQuery(w, r)
	if !ok {
		return
	}
	rows, err := s.odds.GetOddsHistory(r.Context(), q)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"race_id": q.RaceID, "horse_id": q.HorseID, "history": rows})
}

func (s *Server) handleMovement(w http.ResponseWriter, r *http.Request) {
	q, ok := historyQuery(w, r)
	if !ok {
		return
	}
	summaries, err := s.odds.GetOddsMovementSummary(r.Context(), q)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if len(summaries) == 0 {
		writeError(w, http.StatusNotFound, "no odds recorded")
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleVelocity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	window := defaultVelocityWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration such as 15m")
			return
		}
		window = d
	}
	key := models.SnapshotKey{RaceID: vars["raceId"], HorseID: vars["horseId"], BookmakerID: r.URL.Query().Get("bookmaker")}
	v, err := s.odds.GetOddsVelocity(r.Context(), key, window)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("Query failed")
	writeError(w, http.StatusInternalServerError, "query failed")
}

// historyQuery reads bookmaker, from, to (RFC 3339) and limit.
func historyQuery(w http.ResponseWriter, r *http.Request) (models.HistoryQuery, bool) {
	vars := mux.Vars(r)
	params := r.URL.Query()
	q := models.HistoryQuery{
		RaceID:      vars["raceId"],
		HorseID:     vars["horseId"],
		BookmakerID: params.Get("bookmaker"),
	}

	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		v := params.Get(name)
		if v == "" {
			continue
		}
		t, err := models.ParseTimestamp(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
			return q, false
		}
		*dst = t
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return q, false
		}
		q.Limit = n
	}
	return q, true
}
