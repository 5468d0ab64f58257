package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"reactbot/internal/analytics"
	"reactbot/internal/domain"
	"reactbot/internal/platform"

	"github.com/go-chi/chi/v5"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Storage   string            `json:"storage"`
	Degraded  bool              `json:"degraded"`
	Platforms []platform.Status `json:"platforms"`
	Queue     *QueueStats       `json:"queue,omitempty"`
	Chats     map[string]int    `json:"chats"`
	Uptime    string            `json:"uptime,omitempty"`
}

// handleHealth answers 200 while storage is reachable, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: s.cfg.Version, Storage: "ok", Chats: map[string]int{}}
	code := http.StatusOK

	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.cfg.Store.Ping(ctx)
		cancel()
		if err != nil {
			resp.Status = "unavailable"
			resp.Storage = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.cfg.Analytics != nil {
		snap := s.cfg.Analytics.Snapshot()
		resp.Degraded = snap.Degraded
		resp.Uptime = snap.Uptime.Round(time.Second).String()
		if snap.Degraded && code == http.StatusOK {
			resp.Status = "degraded"
		}
	}
	if s.cfg.Platforms != nil {
		resp.Platforms = s.cfg.Platforms()
	}
	if s.cfg.Queue != nil {
		q := s.cfg.Queue()
		resp.Queue = &q
	}
	if s.cfg.Registry != nil {
		resp.Chats["configured"] = len(s.cfg.Registry.List())
		resp.Chats["enabled"] = s.cfg.Registry.EnabledCount()
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Analytics == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Analytics.Snapshot())
}

// handleSummaries serves bucketed summaries. The range is [since, until),
// defaulting to the last 24 hours for hourly and 7 days for daily buckets.
// "hours" or "days" narrow the default range.
func (s *Server) handleSummaries(g analytics.Granularity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Analytics == nil {
			writeError(w, http.StatusServiceUnavailable, "analytics not configured")
			return
		}
		since, until, err := s.summaryRange(r, g)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sums, err := s.cfg.Analytics.Summaries(r.Context(), g, since, until)
		if err != nil {
			s.logger.Error("summaries", "granularity", g, "err", err)
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if sums == nil {
			sums = []analytics.Summary{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"granularity": g,
			"since":       since,
			"until":       until,
			"buckets":     sums,
		})
	}
}

func (s *Server) summaryRange(r *http.Request, g analytics.Granularity) (time.Time, time.Time, error) {
	q := r.URL.Query()
	until := s.cfg.Now().UTC()
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("until must be RFC3339")
		}
		until = t
	}

	span := 24 * time.Hour
	param := "hours"
	if g == analytics.Day {
		span = 7 * 24 * time.Hour
		param = "days"
	}
	if v := q.Get(param); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 366*24 {
			return time.Time{}, time.Time{}, errors.New(param + " must be a positive integer")
		}
		unit := time.Hour
		if g == analytics.Day {
			unit = 24 * time.Hour
		}
		span = time.Duration(n) * unit
	}
	since := until.Add(-span)
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("since must be RFC3339")
		}
		since = t
	}
	if !since.Before(until) {
		return time.Time{}, time.Time{}, errors.New("since must be before until")
	}
	return since, until, nil
}

type chatView struct {
	domain.ChatConfig
	Stats analytics.ScopeStats `json:"stats"`
}

func (s *Server) view(c domain.ChatConfig) chatView {
	v := chatView{ChatConfig: c, Stats: analytics.ScopeStats{Scope: c.Scope}}
	if s.cfg.Analytics != nil {
		v.Stats, _ = s.cfg.Analytics.Scope(c.Scope)
	}
	return v
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats := s.cfg.Registry.List()
	out := make([]chatView, 0, len(chats))
	for _, c := range chats {
		out = append(out, s.view(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	scope := domain.ScopeID(chi.URLParam(r, "scope"))
	c, ok := s.cfg.Registry.ChatConfig(scope)
	if !ok {
		writeError(w, http.StatusNotFound, "chat not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.view(*c))
}

// chatRequest is the body of PUT /api/chats/{scope}. Omitted fields keep
// their current value, or the registry default for a new chat.
type chatRequest struct {
	Title           *string  `json:"title"`
	Enabled         *bool    `json:"enabled"`
	Mode            *string  `json:"mode"`
	Emojis          []string `json:"emojis"`
	DelayMinSeconds *float64 `json:"delayMinSeconds"`
	DelayMaxSeconds *float64 `json:"delayMaxSeconds"`
	ReactToMedia    *bool    `json:"reactToMedia"`
	ReactToText     *bool    `json:"reactToText"`
	ReactToForwards *bool    `json:"reactToForwards"`
}

func (req chatRequest) apply(c *domain.ChatConfig) error {
	if req.Title != nil {
		c.Title = *req.Title
	}
	if req.Enabled != nil {
		c.Enabled = *req.Enabled
	}
	if req.Mode != nil {
		mode, err := domain.ParseReactionMode(*req.Mode)
		if err != nil {
			return err
		}
		c.Mode = mode
	}
	if req.Emojis != nil {
		c.Emojis = req.Emojis
	}
	if req.DelayMinSeconds != nil {
		c.DelayMin = time.Duration(*req.DelayMinSeconds * float64(time.Second))
	}
	if req.DelayMaxSeconds != nil {
		c.DelayMax = time.Duration(*req.DelayMaxSeconds * float64(time.Second))
	}
	if req.ReactToMedia != nil {
		c.ReactToMedia = *req.ReactToMedia
	}
	if req.ReactToText != nil {
		c.ReactToText = *req.ReactToText
	}
	if req.ReactToForwards != nil {
		c.ReactToForwards = *req.ReactToForwards
	}
	return nil
}

func (s *Server) handlePutChat(w http.ResponseWriter, r *http.Request) {
	scope := domain.ScopeID(chi.URLParam(r, "scope"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var req chatRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	c := domain.ChatConfig{
		Scope:        scope,
		Enabled:      true,
		Mode:         domain.ModeRandom,
		ReactToMedia: true,
		ReactToText:  true,
	}
	if existing, ok := s.cfg.Registry.ChatConfig(scope); ok {
		c = *existing
	}
	if err := req.apply(&c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.cfg.Registry.Upsert(c)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Registry.Save(); err != nil {
		s.logger.Error("save chat registry", "err", err)
		writeError(w, http.StatusInternalServerError, "chat applied but not persisted: "+err.Error())
		return
	}
	code, metric := http.StatusOK, domain.MetricChatUpdated
	if created {
		code, metric = http.StatusCreated, domain.MetricChatAdded
	}
	s.chatChanged(metric, scope)
	s.logger.Info("chat configured", "scope", scope, "created", created)
	writeJSON(w, code, s.view(c))
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	scope := domain.ScopeID(chi.URLParam(r, "scope"))
	if !s.cfg.Registry.Remove(scope) {
		writeError(w, http.StatusNotFound, "chat not configured")
		return
	}
	if err := s.cfg.Registry.Save(); err != nil {
		s.logger.Error("save chat registry", "err", err)
		writeError(w, http.StatusInternalServerError, "chat removed but not persisted: "+err.Error())
		return
	}
	s.chatChanged(domain.MetricChatRemoved, scope)
	s.logger.Info("chat removed", "scope", scope)
	w.WriteHeader(http.StatusNoContent)
}

// chatChanged restarts sequential emoji rotation for the scope and tells
// live subscribers.
func (s *Server) chatChanged(metric string, scope domain.ScopeID) {
	if s.cfg.Policy != nil {
		s.cfg.Policy.ResetCursor(scope)
	}
	if s.cfg.Publisher != nil {
		s.cfg.Publisher.Publish(domain.Delta{Metric: metric, Scope: scope, At: s.cfg.Now()})
	}
}
