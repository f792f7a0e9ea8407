// Package journal ingests gameplay events from an append-only JSONL file.
// Each line is one gamification.GameplayEvent; the front end appends and the
// server tails.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mindlabs/quest-engine/internal/gamification"
)

// Entry is one decoded journal line and the file offset just past it.
type Entry struct {
	Event gamification.GameplayEvent
	End   int64
}

// ReadResult is what one pass over the journal produced.
type ReadResult struct {
	Entries []Entry
	// Offset is just past the last complete line consumed, malformed
	// lines included.
	Offset    int64
	Malformed int
	LastErr   error
}

// ReadEvents decodes every complete line in path from offset onward. A
// trailing line without a newline is still being written and is left for
// the next read. Malformed lines and unknown event types are skipped but
// consumed.
func ReadEvents(path string, offset int64) (ReadResult, error) {
	res := ReadResult{Offset: offset}

	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return res, err
		}
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return res, err
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			// EOF, possibly mid-line.
			break
		}
		res.Offset += int64(len(line))

		data := bytes.TrimSpace(line)
		if len(data) == 0 {
			continue
		}

		var ev gamification.GameplayEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			res.Malformed++
			res.LastErr = fmt.Errorf("offset %d: %w", res.Offset-int64(len(line)), err)
			continue
		}
		if !ev.Type.Valid() {
			res.Malformed++
			res.LastErr = fmt.Errorf("offset %d: unknown event type %q", res.Offset-int64(len(line)), ev.Type)
			continue
		}
		res.Entries = append(res.Entries, Entry{Event: ev, End: res.Offset})
	}
	return res, nil
}
