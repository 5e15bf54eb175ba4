package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/interfaces"
	"github.com/ternarybob/accedo/internal/models"
)

// Publisher emits scan progress events. Each event is published on the
// queue's per-scan progress channel for live subscribers and mirrored
// onto the scan row for pollers. Both writes are best-effort: progress
// must never fail a scan.
type Publisher struct {
	redis  *redis.Client
	store  interfaces.ScanStore
	queue  string
	logger arbor.ILogger
}

// NewPublisher creates the progress publisher for the named queue.
func NewPublisher(rdb *redis.Client, store interfaces.ScanStore, queueName string, logger arbor.ILogger) interfaces.ProgressPublisher {
	return &Publisher{
		redis:  rdb,
		store:  store,
		queue:  queueName,
		logger: logger,
	}
}

// Publish sends one progress event for the scan.
func (p *Publisher) Publish(ctx context.Context, scanID string, progress *models.JobProgress) {
	data, err := json.Marshal(progress)
	if err != nil {
		p.logger.Warn().Str("scan_id", scanID).Err(err).Msg("Failed to marshal progress event")
		return
	}

	channel := fmt.Sprintf("%s:progress:%s", p.queue, scanID)
	if err := p.redis.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Warn().Str("scan_id", scanID).Err(err).Msg("Failed to publish progress event")
	}

	if err := p.store.SetProgress(ctx, scanID, progress); err != nil {
		p.logger.Warn().Str("scan_id", scanID).Err(err).Msg("Failed to mirror progress to scan row")
	}
}
