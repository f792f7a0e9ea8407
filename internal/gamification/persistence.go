package gamification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record names under which the stores keep their state.
const (
	RecordAchievements        = "achievements"
	RecordChallenges          = "community_challenges"
	RecordChallengeProgress   = "challenge_progress"
	RecordCompletedChallenges = "completed_challenges"
	RecordPlayerStats         = "player_stats"
)

// persistTimeout bounds a single best-effort write so a wedged backend
// cannot stall the caller indefinitely.
const persistTimeout = 5 * time.Second

// Persister is the durable key-value storage the stores read at startup and
// write after every mutation. Load returns (nil, nil) when no record exists.
type Persister interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
}

// PersistError reports a failed best-effort read or write. The in-memory
// state has already been updated when a mutation returns one; callers may
// log it but must not treat it as a rejected operation.
type PersistError struct {
	Op     string // "load", "save" or "delete"
	Record string
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Record, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// loadRecord decodes the named record into v. found is false when the record
// is absent or undecodable; in both cases the caller falls back to seed state.
func loadRecord(p Persister, name string, v any) (found bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	data, err := p.Load(ctx, name)
	if err != nil {
		return false, &PersistError{Op: "load", Record: name, Err: err}
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &PersistError{Op: "load", Record: name, Err: fmt.Errorf("parsing: %w", err)}
	}
	return true, nil
}

func saveRecord(p Persister, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &PersistError{Op: "save", Record: name, Err: fmt.Errorf("marshaling: %w", err)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := p.Save(ctx, name, data); err != nil {
		return &PersistError{Op: "save", Record: name, Err: err}
	}
	return nil
}

func deleteRecord(p Persister, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := p.Delete(ctx, name); err != nil {
		return &PersistError{Op: "delete", Record: name, Err: err}
	}
	return nil
}

// firstErr returns the first non-nil error.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
