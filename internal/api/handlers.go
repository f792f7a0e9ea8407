package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mindlabs/quest-engine/internal/gamification"
)

// ErrBadRequest wraps request bodies that fail to decode.
var ErrBadRequest = errors.New("bad request")

const maxBodyBytes = 1 << 20

// apiResponse is the envelope every /api/v1 handler writes.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{Success: status < 400, Data: data}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error:   &apiError{Code: code, Message: message},
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrBadRequest, err)
	}
	return nil
}

// persisted logs and counts a best-effort persistence failure. The in-memory
// change has already been applied, so the request still succeeds.
func (s *Server) persisted(r *http.Request, what string, err error) {
	if err == nil {
		return
	}
	slog.Warn("state not persisted", "what", what, "error", err, "path", r.URL.Path)
	if s.deps.Metrics != nil {
		s.deps.Metrics.PersistFailure(err)
	}
}

// Achievements

type achievementsSummary struct {
	Achievements []gamification.Achievement `json:"achievements"`
	Unlocked     int                        `json:"unlocked"`
	Total        int                        `json:"total"`
	Progress     float64                    `json:"progress"`
	LastUnlocked *gamification.Achievement  `json:"lastUnlocked,omitempty"`
}

func (s *Server) handleListAchievements(w http.ResponseWriter, r *http.Request) {
	a := s.deps.Achievements
	resp := achievementsSummary{
		Achievements: a.Achievements(),
		Unlocked:     a.UnlockedCount(),
		Total:        a.TotalCount(),
		Progress:     a.ProgressPercentage(),
	}
	if last, ok := a.LastUnlocked(); ok {
		resp.LastUnlocked = &last
	}
	respondJSON(w, http.StatusOK, resp)
}

type achievementGroup struct {
	Category     gamification.Category      `json:"category"`
	Achievements []gamification.Achievement `json:"achievements"`
}

func (s *Server) handleGroupedAchievements(w http.ResponseWriter, r *http.Request) {
	grouped := s.deps.Achievements.Grouped()
	out := make([]achievementGroup, 0, len(gamification.Categories))
	for _, c := range gamification.Categories {
		if list, ok := grouped[c]; ok {
			out = append(out, achievementGroup{Category: c, Achievements: list})
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAchievement(w http.ResponseWriter, r *http.Request) {
	a, ok := s.deps.Achievements.Get(chi.URLParam(r, "key"))
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "achievement not found")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

type recordMetricRequest struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
}

func (s *Server) handleRecordMetric(w http.ResponseWriter, r *http.Request) {
	var req recordMetricRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if _, ok := s.deps.Achievements.Get(req.Key); !ok {
		respondError(w, http.StatusNotFound, "not_found", "achievement not found")
		return
	}
	s.persisted(r, "achievements", s.deps.Achievements.RecordMetric(req.Key, req.Value))

	a, _ := s.deps.Achievements.Get(req.Key)
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleResetAchievements(w http.ResponseWriter, r *http.Request) {
	s.persisted(r, "achievements", s.deps.Achievements.Reset())
	w.WriteHeader(http.StatusNoContent)
}

// Player stats and gameplay events

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Tracker.Stats())
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	s.persisted(r, "player stats", s.deps.Tracker.Reset())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev gamification.GameplayEvent
	if err := decodeBody(r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !ev.Type.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_event", "unknown event type "+string(ev.Type))
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	accepted := s.deps.Tracker.Submit(ev)
	if s.deps.Metrics != nil {
		s.deps.Metrics.GameplayEvent(ev.Type, accepted)
	}
	if !accepted {
		respondError(w, http.StatusServiceUnavailable, "queue_full", "event queue is full, retry later")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// Challenges

// challengeView decorates a challenge with the caller's participation.
type challengeView struct {
	gamification.CommunityChallenge
	TimeRemaining   string                              `json:"timeRemaining"`
	IsParticipating bool                                `json:"isParticipating"`
	UserProgress    *gamification.UserChallengeProgress `json:"userProgress,omitempty"`
}

func (s *Server) viewOf(c gamification.CommunityChallenge, now time.Time) challengeView {
	v := challengeView{
		CommunityChallenge: c,
		TimeRemaining:      c.TimeRemaining(now),
		IsParticipating:    s.deps.Challenges.IsParticipating(c.ID),
	}
	if p, ok := s.deps.Challenges.UserProgress(c.ID); ok {
		v.UserProgress = &p
	}
	return v
}

func (s *Server) viewsOf(list []gamification.CommunityChallenge) []challengeView {
	now := time.Now()
	out := make([]challengeView, 0, len(list))
	for _, c := range list {
		out = append(out, s.viewOf(c, now))
	}
	return out
}

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.viewsOf(s.deps.Challenges.Active()))
}

func (s *Server) handleCompletedChallenges(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.viewsOf(s.deps.Challenges.Completed()))
}

func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var c gamification.CommunityChallenge
	if err := decodeBody(r, &c); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	created, err := s.deps.Challenges.Add(c)
	switch {
	case errors.Is(err, gamification.ErrInvalidChallenge):
		respondError(w, http.StatusBadRequest, "invalid_challenge", err.Error())
		return
	case err != nil:
		s.persisted(r, "challenges", err)
	}
	respondJSON(w, http.StatusCreated, s.viewOf(created, time.Now()))
}

// challenge loads the {id} path challenge or writes a 404.
func (s *Server) challenge(w http.ResponseWriter, r *http.Request) (gamification.CommunityChallenge, bool) {
	c, ok := s.deps.Challenges.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "challenge not found")
	}
	return c, ok
}

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	c, ok := s.challenge(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.viewOf(c, time.Now()))
}

type joinRequest struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

func (s *Server) handleJoinChallenge(w http.ResponseWriter, r *http.Request) {
	c, ok := s.challenge(w, r)
	if !ok {
		return
	}
	if !c.IsActive {
		respondError(w, http.StatusConflict, "challenge_closed", "challenge is no longer active")
		return
	}

	req := joinRequest{Username: s.player.Username, Avatar: s.player.Avatar}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	if req.Username == "" {
		req.Username = s.player.Username
	}

	s.persisted(r, "challenges", s.deps.Challenges.Join(c.ID, req.Username, req.Avatar))
	c, _ = s.deps.Challenges.Get(c.ID)
	respondJSON(w, http.StatusOK, s.viewOf(c, time.Now()))
}

func (s *Server) handleLeaveChallenge(w http.ResponseWriter, r *http.Request) {
	c, ok := s.challenge(w, r)
	if !ok {
		return
	}
	s.persisted(r, "challenges", s.deps.Challenges.Leave(c.ID))
	c, _ = s.deps.Challenges.Get(c.ID)
	respondJSON(w, http.StatusOK, s.viewOf(c, time.Now()))
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Challenges.UserProgress(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "not participating in challenge")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type progressRequest struct {
	Progress int `json:"progress"`
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req progressRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Progress < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "progress must not be negative")
		return
	}
	if _, ok := s.deps.Challenges.UserProgress(id); !ok {
		respondError(w, http.StatusNotFound, "not_found", "not participating in challenge")
		return
	}

	s.persisted(r, "challenge progress", s.deps.Challenges.UpdateProgress(id, req.Progress))
	p, _ := s.deps.Challenges.UserProgress(id)
	respondJSON(w, http.StatusOK, p)
}

type leaderboardResponse struct {
	Participants []gamification.ChallengeParticipant `json:"participants"`
	UserRank     *int                                `json:"userRank,omitempty"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	c, ok := s.challenge(w, r)
	if !ok {
		return
	}
	resp := leaderboardResponse{Participants: s.deps.Challenges.Leaderboard(c.ID)}
	if rank, ok := s.deps.Challenges.UserRank(c.ID); ok {
		resp.UserRank = &rank
	}
	if resp.Participants == nil {
		resp.Participants = []gamification.ChallengeParticipant{}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetChallenges(w http.ResponseWriter, r *http.Request) {
	s.persisted(r, "challenges", s.deps.Challenges.Reset())
	w.WriteHeader(http.StatusNoContent)
}
