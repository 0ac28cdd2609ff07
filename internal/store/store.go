// Package store persists system snapshots.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tradeloop/internal/resilience"
)

// SnapshotStore keeps the single latest system snapshot. LoadSnapshot returns
// (nil, nil) when nothing has been saved.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, state resilience.SystemState) error
	LoadSnapshot(ctx context.Context) (*resilience.SystemState, error)
	Close() error
}

var _ resilience.Persister = SnapshotStore(nil)

// Kind selects a SnapshotStore implementation.
type Kind string

const (
	KindMemory Kind = "memory"
	KindFile   Kind = "file"
	KindSQLite Kind = "sqlite"
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case "", KindMemory:
		return KindMemory, nil
	case KindFile, KindSQLite:
		return k, nil
	default:
		return "", fmt.Errorf("unknown snapshot store %q", raw)
	}
}

func encode(state resilience.SystemState) ([]byte, error) {
	return json.MarshalIndent(state, "", "  ")
}

func decode(data []byte) (*resilience.SystemState, error) {
	var st resilience.SystemState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &st, nil
}
