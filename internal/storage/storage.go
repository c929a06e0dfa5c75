package storage

import (
	"context"

	"liquidityVault/internal/model"
)

// EventStorage is a durable sink for vault events.
type EventStorage interface {
	PutEventBatch(ctx context.Context, events []model.Event) error
}
