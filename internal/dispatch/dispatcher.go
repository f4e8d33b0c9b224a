package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/syncstorage/sync-engine/internal/conflict"
	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/realtime"
	"github.com/syncstorage/sync-engine/internal/storage"
	"github.com/syncstorage/sync-engine/internal/syncerr"
)

// Dispatcher routes commands and queries to the repository, running SetItem
// through the conflict engine first. A successful command publishes one
// ItemSynced, ItemRemoved or StorageCleared event; a SetItem that created a
// conflict record also publishes a ConflictDetected event, and a RemoveItem
// of a key that does not exist publishes nothing.
type Dispatcher struct {
	repo      storage.Repository
	conflicts *conflict.Engine
	events    *realtime.EventPublisher
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(repo storage.Repository, conflicts *conflict.Engine, events *realtime.EventPublisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{repo: repo, conflicts: conflicts, events: events, logger: logger.With("component", "dispatcher")}
}

// CommandResult is returned by Dispatch: the stored item (nil for
// ClearStorage/RemoveItem) and the conflict record created, if any.
type CommandResult struct {
	Item     *domain.Item
	Conflict *domain.ConflictRecord
}

// Dispatch routes cmd to its handler by a type switch, matching the
// teacher's tagged-union handler-registration style rather than reflection.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	switch c := cmd.(type) {
	case SetItem:
		return d.handleSetItem(ctx, c)
	case RemoveItem:
		return d.handleRemoveItem(ctx, c)
	case ClearStorage:
		return d.handleClearStorage(ctx, c)
	default:
		return CommandResult{}, fmt.Errorf("dispatch: unknown command type %T", cmd)
	}
}

// Query routes q to its handler by a type switch.
func (d *Dispatcher) Query(ctx context.Context, q Query) (interface{}, error) {
	switch query := q.(type) {
	case GetItem:
		return d.handleGetItem(ctx, query)
	case GetAllItems:
		return d.handleGetAllItems(ctx, query)
	case GetKeys:
		return d.handleGetKeys(ctx, query)
	default:
		return nil, fmt.Errorf("dispatch: unknown query type %T", q)
	}
}

func (d *Dispatcher) handleSetItem(ctx context.Context, cmd SetItem) (CommandResult, error) {
	current, found, err := d.repo.FindByKey(ctx, cmd.UserID, cmd.Key)
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to load current item: %w", err)
	}
	if !found {
		current = nil
	}

	input := domain.DetectionInput{
		UserID:          cmd.UserID,
		Key:             cmd.Key,
		NewValue:        cmd.Value,
		ExpectedVersion: cmd.ExpectedVersion,
		InstanceID:      cmd.InstanceID,
		Current:         current,
		Now:             time.Now(),
	}

	outcome, err := d.conflicts.ProcessWrite(ctx, input, cmd.Metadata)
	if err != nil {
		return CommandResult{}, fmt.Errorf("conflict pipeline failed: %w", err)
	}

	item, err := d.repo.Upsert(ctx, domain.UpsertInput{
		UserID:     cmd.UserID,
		Key:        cmd.Key,
		Value:      outcome.Value,
		Metadata:   outcome.Metadata,
		InstanceID: cmd.InstanceID,
	})
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to upsert item: %w", err)
	}

	if err := d.events.PublishItemSynced(item); err != nil {
		d.logger.Warn("failed to publish item_synced event", "error", err, "user_id", cmd.UserID, "key", cmd.Key)
	}
	if outcome.Conflict != nil {
		if err := d.events.PublishConflictDetected(outcome.Conflict); err != nil {
			d.logger.Warn("failed to publish conflict_detected event", "error", err, "conflict_id", outcome.Conflict.ID)
		}
	}

	return CommandResult{Item: item, Conflict: outcome.Conflict}, nil
}

func (d *Dispatcher) handleRemoveItem(ctx context.Context, cmd RemoveItem) (CommandResult, error) {
	current, found, err := d.repo.FindByKey(ctx, cmd.UserID, cmd.Key)
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to load current item: %w", err)
	}

	if err := d.repo.Delete(ctx, cmd.UserID, cmd.Key); err != nil {
		return CommandResult{}, fmt.Errorf("failed to delete item: %w", err)
	}

	if !found {
		// Already deleted or never existed: a no-op per spec §4.C, so no
		// event is published since nothing actually changed.
		return CommandResult{}, nil
	}

	timestamp := domain.NowMillis(time.Now())
	if err := d.events.PublishItemRemoved(cmd.UserID, cmd.Key, current.Version, timestamp, cmd.InstanceID); err != nil {
		d.logger.Warn("failed to publish item_removed event", "error", err, "user_id", cmd.UserID, "key", cmd.Key)
	}

	return CommandResult{}, nil
}

func (d *Dispatcher) handleClearStorage(ctx context.Context, cmd ClearStorage) (CommandResult, error) {
	if err := d.repo.ClearAll(ctx, cmd.UserID); err != nil {
		return CommandResult{}, fmt.Errorf("failed to clear storage: %w", err)
	}

	if err := d.events.PublishStorageCleared(cmd.UserID, cmd.InstanceID); err != nil {
		d.logger.Warn("failed to publish storage_cleared event", "error", err, "user_id", cmd.UserID)
	}

	return CommandResult{}, nil
}

func (d *Dispatcher) handleGetItem(ctx context.Context, q GetItem) (*domain.Item, error) {
	item, found, err := d.repo.FindByKey(ctx, q.UserID, q.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if !found {
		return nil, syncerr.NotFound("item")
	}
	return item, nil
}

func (d *Dispatcher) handleGetAllItems(ctx context.Context, q GetAllItems) ([]*domain.Item, error) {
	items, err := d.repo.FindAll(ctx, q.UserID, q.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return items, nil
}

func (d *Dispatcher) handleGetKeys(ctx context.Context, q GetKeys) ([]string, error) {
	keys, err := d.repo.FindKeys(ctx, q.UserID, q.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}
