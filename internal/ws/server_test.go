package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mindlabs/quest-engine/internal/gamification"
	"github.com/mindlabs/quest-engine/internal/storage"
)

func TestAuthorize(t *testing.T) {
	h := NewHandler(nil, nil, "tok")
	tests := []struct {
		name  string
		setup func(*http.Request)
		want  bool
	}{
		{"none", func(*http.Request) {}, false},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=tok" }, true},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") }, true},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, false},
		{"query prefix", func(r *http.Request) { r.URL.RawQuery = "token=to" }, false},
		{"empty query", func(r *http.Request) { r.URL.RawQuery = "token=" }, false},
		{"bearer suffix", func(r *http.Request) { r.Header.Set("Authorization", "Bearer tokx") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(r)
			if got := h.authorize(r); got != tt.want {
				t.Errorf("authorize() = %v, want %v", got, tt.want)
			}
		})
	}

	open := NewHandler(nil, nil, "")
	if !open.authorize(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Error("empty token should allow everything")
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(nil, []string{"https://quest.example.com"}, "")
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://quest.example.com", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:3000", true},
		{"https://evil.example.net", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := h.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestHandler_SnapshotThenEvents(t *testing.T) {
	persist := storage.NewMemoryStore()
	b := NewBroadcaster(10*time.Millisecond, time.Hour, 0)
	defer b.Stop()

	achievements, err := gamification.NewAchievementStore(persist, b)
	if err != nil {
		t.Fatal(err)
	}
	challenges, err := gamification.NewChallengeStore(persist, b, gamification.ChallengeOptions{SeedDefaults: true})
	if err != nil {
		t.Fatal(err)
	}
	b.SetSnapshotFunc(StoreSnapshot(achievements, challenges, nil))

	srv := httptest.NewServer(NewHandler(b, nil, "tok"))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("dial without token should fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=tok", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := readMessage(t, conn)
	if string(msg["type"]) != `"snapshot"` {
		t.Fatalf("first message type = %s, want snapshot", msg["type"])
	}
	var snap SnapshotPayload
	if err := json.Unmarshal(msg["payload"], &snap); err != nil {
		t.Fatal(err)
	}
	if snap.TotalCount != achievements.TotalCount() || len(snap.ActiveChallenges) != 3 {
		t.Errorf("snapshot = total %d, %d active", snap.TotalCount, len(snap.ActiveChallenges))
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := achievements.RecordMetric("first_quest", 1); err != nil {
		t.Fatal(err)
	}
	msg = readMessage(t, conn)
	if string(msg["type"]) != `"achievement_unlocked"` {
		t.Fatalf("message type = %s, want achievement_unlocked", msg["type"])
	}
	var ev gamification.Event
	if err := json.Unmarshal(msg["payload"], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Achievement == nil || ev.Achievement.Key != "first_quest" {
		t.Errorf("event achievement = %+v", ev.Achievement)
	}
}
