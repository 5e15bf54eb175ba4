package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/models"
)

// ErrDLQEntryNotFound is returned for replay or removal of an unknown
// dead-letter entry id.
var ErrDLQEntryNotFound = errors.New("dead-letter entry not found")

const defaultDLQListLimit = 100

type enqueueFunc func(ctx context.Context, payload []byte) (string, error)

// DeadLetter keeps exhausted scan jobs in Redis: a list of entry ids in
// arrival order plus a hash of id to entry JSON. Entries are retained
// until an operator replays or removes them.
type DeadLetter struct {
	redis   *redis.Client
	listKey string
	dataKey string
	enqueue enqueueFunc
	logger  arbor.ILogger
}

// NewDeadLetter creates the dead-letter queue for the named scan queue.
func NewDeadLetter(rdb *redis.Client, queueName string, enqueue enqueueFunc, logger arbor.ILogger) *DeadLetter {
	return &DeadLetter{
		redis:   rdb,
		listKey: queueName + "-dlq",
		dataKey: queueName + "-dlq:data",
		enqueue: enqueue,
		logger:  logger,
	}
}

// Push stores a dead-letter entry. Ids and failure timestamps are
// assigned when the caller left them empty.
func (d *DeadLetter) Push(ctx context.Context, entry *models.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = common.NewDLQEntryID()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}

	pipe := d.redis.TxPipeline()
	pipe.LPush(ctx, d.listKey, entry.ID)
	pipe.HSet(ctx, d.dataKey, entry.ID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store dead-letter entry: %w", err)
	}

	d.logger.Warn().
		Str("entry_id", entry.ID).
		Str("task", entry.TaskType).
		Int("attempts", entry.Attempts).
		Msg("Job dead-lettered")
	return nil
}

// List returns the newest entries first, up to limit.
func (d *DeadLetter) List(ctx context.Context, limit int) ([]*models.DLQEntry, error) {
	if limit <= 0 {
		limit = defaultDLQListLimit
	}

	ids, err := d.redis.LRange(ctx, d.listKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter entries: %w", err)
	}
	if len(ids) == 0 {
		return []*models.DLQEntry{}, nil
	}

	entries := make([]*models.DLQEntry, 0, len(ids))
	for _, id := range ids {
		raw, err := d.redis.HGet(ctx, d.dataKey, id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read dead-letter entry %s: %w", id, err)
		}

		var entry models.DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			d.logger.Warn().Str("entry_id", id).Err(err).Msg("Skipping corrupt dead-letter entry")
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Retry re-enqueues the entry's original payload on the main queue and
// removes the entry once the enqueue succeeds.
func (d *DeadLetter) Retry(ctx context.Context, entryID string) error {
	raw, err := d.redis.HGet(ctx, d.dataKey, entryID).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrDLQEntryNotFound, entryID)
	}
	if err != nil {
		return fmt.Errorf("failed to read dead-letter entry: %w", err)
	}

	var entry models.DLQEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fmt.Errorf("corrupt dead-letter entry %s: %w", entryID, err)
	}

	taskID, err := d.enqueue(ctx, entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to re-enqueue dead-letter entry: %w", err)
	}

	if err := d.Remove(ctx, entryID); err != nil {
		return err
	}

	d.logger.Info().
		Str("entry_id", entryID).
		Str("task_id", taskID).
		Msg("Dead-letter entry re-enqueued")
	return nil
}

// Remove deletes an entry.
func (d *DeadLetter) Remove(ctx context.Context, entryID string) error {
	pipe := d.redis.TxPipeline()
	pipe.LRem(ctx, d.listKey, 0, entryID)
	removed := pipe.HDel(ctx, d.dataKey, entryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove dead-letter entry: %w", err)
	}
	if removed.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrDLQEntryNotFound, entryID)
	}
	return nil
}

// Size returns the number of stored entries.
func (d *DeadLetter) Size(ctx context.Context) (int, error) {
	n, err := d.redis.LLen(ctx, d.listKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to size dead-letter queue: %w", err)
	}
	return int(n), nil
}
