package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mindlabs/quest-engine/internal/config"
	"github.com/mindlabs/quest-engine/internal/gamification"
)

// exercisePersister runs the contract every backend must satisfy.
func exercisePersister(t *testing.T, p gamification.Persister) {
	t.Helper()
	ctx := context.Background()

	data, err := p.Load(ctx, "achievements")
	if err != nil {
		t.Fatalf("Load(missing) error: %v", err)
	}
	if data != nil {
		t.Fatalf("Load(missing) = %q, want nil", data)
	}

	if err := p.Save(ctx, "achievements", []byte(`[{"key":"first_quest"}]`)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := p.Save(ctx, "achievements", []byte(`[]`)); err != nil {
		t.Fatalf("overwrite Save() error: %v", err)
	}
	data, err = p.Load(ctx, "achievements")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("Load() = %q, want last write", data)
	}

	if err := p.Save(ctx, "player_stats", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := p.Delete(ctx, "achievements"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if data, _ := p.Load(ctx, "achievements"); data != nil {
		t.Errorf("Load() after Delete = %q", data)
	}
	if data, _ := p.Load(ctx, "player_stats"); string(data) != "{}" {
		t.Errorf("Delete removed an unrelated record: %q", data)
	}
	if err := p.Delete(ctx, "achievements"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}

	for _, bad := range []string{"", "../etc/passwd", "Upper", "a b"} {
		if err := p.Save(ctx, bad, []byte("x")); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Save(%q) = %v, want ErrInvalidName", bad, err)
		}
	}
}

func TestFileStore(t *testing.T) {
	exercisePersister(t, NewFileStore(t.TempDir()))
}

func TestMemoryStore(t *testing.T) {
	exercisePersister(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	if err := s.Save(ctx, "x", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'z'
	got, _ := s.Load(ctx, "x")
	if string(got) != "abc" {
		t.Errorf("stored data aliased caller buffer: %q", got)
	}
}

func TestFileStore_CreatesDirAndLeavesNoTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	s := NewFileStore(dir)

	if err := s.Save(context.Background(), "challenge_progress", []byte("[]")); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if _, err := os.Stat(s.Path("challenge_progress")); err != nil {
		t.Fatalf("record file missing: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "challenge_progress.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir contents = %v", names)
	}
}

func TestFileStore_CorruptFileIsReturnedVerbatim(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "achievements.json"), []byte("{bad"), 0o600); err != nil {
		t.Fatal(err)
	}
	data, err := NewFileStore(dir).Load(context.Background(), "achievements")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if string(data) != "{bad" {
		t.Errorf("Load() = %q", data)
	}
}

func TestDefaultStateDir_XDG(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg-state")
	if got, want := DefaultStateDir(), "/tmp/xdg-state/mindlabs-quest"; got != want {
		t.Errorf("DefaultStateDir() = %q, want %q", got, want)
	}
	if got := NewFileStore("").Dir(); got != "/tmp/xdg-state/mindlabs-quest" {
		t.Errorf("NewFileStore(\"\").Dir() = %q", got)
	}
}

func TestFileStore_WithGamificationStores(t *testing.T) {
	s := NewFileStore(t.TempDir())

	a, err := gamification.NewAchievementStore(s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.CheckQuests(10); err != nil {
		t.Fatal(err)
	}

	reloaded, err := gamification.NewAchievementStore(s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.UnlockedCount(); got != 2 {
		t.Errorf("UnlockedCount() after reload = %d, want 2", got)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, config.StorageConfig{Backend: config.BackendFile, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open(file) error: %v", err)
	}
	exercisePersister(t, b)
	if err := b.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	b, err = Open(ctx, config.StorageConfig{Backend: config.BackendMemory})
	if err != nil {
		t.Fatalf("Open(memory) error: %v", err)
	}
	exercisePersister(t, b)

	if _, err := Open(ctx, config.StorageConfig{Backend: "tape"}); err == nil {
		t.Error("Open(unknown) should fail")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("QUEST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QUEST_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewRedisStore(ctx, RedisConfig{Addr: addr, Prefix: "quest_test_" + time.Now().Format("150405") + ":"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exercisePersister(t, s)

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "player_stats" {
		t.Errorf("Keys() = %v, want [player_stats]", keys)
	}
	if err := s.Delete(ctx, "player_stats"); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("QUEST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("QUEST_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, PostgresConfig{DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	_ = s.Delete(ctx, "achievements")
	_ = s.Delete(ctx, "player_stats")
	exercisePersister(t, s)
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}
