// ticklog.go persists tick-event records as JSON files so the replay
// horizon survives a restart. One file per tick: tick_<n>.json. Writes use
// atomic replacement (write to .tmp, then rename) to prevent corruption
// from partial writes or crashes mid-save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"wallstreetsim/pkg/types"
)

// TickLog journals tick-event records to a directory and prunes files that
// fall outside the retention horizon.
type TickLog struct {
	dir     string
	horizon int64
	mu      sync.Mutex
}

// OpenTickLog creates (if needed) the journal directory.
func OpenTickLog(dir string, horizon int64) (*TickLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tick log dir: %w", err)
	}
	return &TickLog{dir: dir, horizon: horizon}, nil
}

// Append atomically writes one record and prunes expired ticks.
func (l *TickLog) Append(rec *types.TickEventRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal tick record: %w", err)
	}

	path := l.path(rec.Tick)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write tick record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename tick record: %w", err)
	}

	if floor := rec.Tick - l.horizon; floor > 0 {
		l.pruneLocked(floor)
	}
	return nil
}

// LoadAll reads every retained record in ascending tick order. Used at
// boot to warm the in-memory ring.
func (l *TickLog) LoadAll() ([]*types.TickEventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ticks, err := l.ticksLocked()
	if err != nil {
		return nil, err
	}

	out := make([]*types.TickEventRecord, 0, len(ticks))
	for _, tick := range ticks {
		data, err := os.ReadFile(l.path(tick))
		if err != nil {
			return nil, fmt.Errorf("read tick %d: %w", tick, err)
		}
		var rec types.TickEventRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal tick %d: %w", tick, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (l *TickLog) path(tick int64) string {
	return filepath.Join(l.dir, fmt.Sprintf("tick_%d.json", tick))
}

func (l *TickLog) ticksLocked() ([]int64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read tick log dir: %w", err)
	}
	var ticks []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "tick_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "tick_"), ".json"), 10, 64)
		if err != nil {
			continue
		}
		ticks = append(ticks, n)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	return ticks, nil
}

func (l *TickLog) pruneLocked(floor int64) {
	ticks, err := l.ticksLocked()
	if err != nil {
		return
	}
	for _, tick := range ticks {
		if tick <= floor {
			os.Remove(l.path(tick))
		}
	}
}
