package ws

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/mindlabs/quest-engine/internal/gamification"
)

// StoreSnapshot returns a SnapshotFunc reading from the live stores. tracker
// may be nil, in which case snapshots carry no player stats.
func StoreSnapshot(a *gamification.AchievementStore, c *gamification.ChallengeStore, tracker *gamification.Tracker) SnapshotFunc {
	return func() SnapshotPayload {
		p := SnapshotPayload{
			Achievements:       a.Achievements(),
			UnlockedCount:      a.UnlockedCount(),
			TotalCount:         a.TotalCount(),
			ProgressPercentage: a.ProgressPercentage(),
			ActiveChallenges:   c.Active(),
			Completed:          c.Completed(),
		}
		if tracker != nil {
			p.Stats = tracker.Stats()
		}
		return p
	}
}

// Handler upgrades /ws requests and registers the connection with the
// broadcaster. Browsers cannot set headers on a WebSocket handshake, so the
// token is also accepted as a ?token= query parameter.
type Handler struct {
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewHandler(broadcaster *Broadcaster, allowedOrigins []string, authToken string) *Handler {
	h := &Handler{
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		h.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" && !strings.Contains(parsed.Host, "*") {
			h.allowedHosts[parsed.Host] = true
		}
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade error", "error", err)
		return
	}

	c, err := h.broadcaster.AddClient(conn)
	if err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
		}
		conn.Close()
		slog.Warn("ws client rejected", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Info("websocket client connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			h.broadcaster.RemoveClient(c)
			slog.Info("websocket client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Handler) authorize(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}

	if tokenMatches(r.URL.Query().Get("token"), h.authToken) {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && tokenMatches(strings.TrimPrefix(auth, "Bearer "), h.authToken) {
		return true
	}

	return false
}

func tokenMatches(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if h.allowedOrigins[origin] {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host

	if h.allowedHosts[host] || host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}
