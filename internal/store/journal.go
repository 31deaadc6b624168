package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"wallstreetsim/pkg/types"
)

// Journaled decorates a Gateway with on-disk durability for the two things
// that must survive a restart: the tick-event journal (replay horizon) and
// the world-state checkpoint. Everything else passes through.
type Journaled struct {
	Gateway
	log       *TickLog
	statePath string
}

// NewJournaled wraps inner with the journal at dir.
func NewJournaled(inner Gateway, dir string, horizon int64) (*Journaled, error) {
	log, err := OpenTickLog(filepath.Join(dir, "ticklog"), horizon)
	if err != nil {
		return nil, err
	}
	return &Journaled{
		Gateway:   inner,
		log:       log,
		statePath: filepath.Join(dir, "world.json"),
	}, nil
}

// WarmFromDisk loads the retained journal into the inner store. Call once
// at boot, before the first tick.
func (j *Journaled) WarmFromDisk(ctx context.Context) error {
	records, err := j.log.LoadAll()
	if err != nil {
		return fmt.Errorf("warm tick journal: %w", err)
	}
	for _, rec := range records {
		if err := j.Gateway.AppendTickEvents(ctx, rec); err != nil {
			return fmt.Errorf("warm tick %d: %w", rec.Tick, err)
		}
	}
	return nil
}

func (j *Journaled) AppendTickEvents(ctx context.Context, rec *types.TickEventRecord) error {
	if err := j.Gateway.AppendTickEvents(ctx, rec); err != nil {
		return err
	}
	return j.log.Append(rec)
}

func (j *Journaled) SaveWorldState(ctx context.Context, ws *types.WorldState) error {
	if err := j.Gateway.SaveWorldState(ctx, ws); err != nil {
		return err
	}
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal world state: %w", err)
	}
	tmp := j.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write world state: %w", err)
	}
	if err := os.Rename(tmp, j.statePath); err != nil {
		return fmt.Errorf("rename world state: %w", err)
	}
	return nil
}

func (j *Journaled) LoadWorldState(ctx context.Context) (*types.WorldState, error) {
	ws, err := j.Gateway.LoadWorldState(ctx)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	data, err := os.ReadFile(j.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read world state: %w", err)
	}
	var restored types.WorldState
	if err := json.Unmarshal(data, &restored); err != nil {
		return nil, fmt.Errorf("unmarshal world state: %w", err)
	}
	if err := j.Gateway.SaveWorldState(ctx, &restored); err != nil {
		return nil, err
	}
	return &restored, nil
}
