package history

import (
	"context"
	"strings"
)

// Archive durably records every turn, independent of the bounded replay
// window. Archiving is best-effort and never gates the voice path.
type Archive interface {
	SaveTurn(ctx context.Context, callID string, turn Turn) error
	RecentTurns(ctx context.Context, callID string, limit int) ([]Turn, error)
	Close() error
}

// NopArchive discards turns. Used when no database is configured.
type NopArchive struct{}

func (NopArchive) SaveTurn(context.Context, string, Turn) error { return nil }

func (NopArchive) RecentTurns(context.Context, string, int) ([]Turn, error) { return nil, nil }

func (NopArchive) Close() error { return nil }

// NewArchive creates a postgres-backed archive when configured, otherwise a
// no-op one.
func NewArchive(ctx context.Context, databaseURL string) (Archive, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NopArchive{}, nil
	}
	return NewPostgresArchive(ctx, databaseURL)
}
