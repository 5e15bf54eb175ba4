package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
)

// CancelWatcher subscribes to the queue's cancel channel and tracks
// which scans were asked to stop. The orchestrator consults the set
// between pages and registers a context cancel so blocking browser or
// network calls are interrupted too.
//
// The set is per-process. A cancel message for a scan running on
// another worker is a no-op here; every worker subscribes, so the one
// holding the scan acts on it.
type CancelWatcher struct {
	redis  *redis.Client
	queue  string
	logger arbor.ILogger

	mu        sync.Mutex
	cancelled map[string]struct{}
	cancels   map[string]context.CancelFunc
	pubsub    *redis.PubSub
}

// NewCancelWatcher creates the watcher. Start must be called before
// cancellations are observed.
func NewCancelWatcher(rdb *redis.Client, queueName string, logger arbor.ILogger) *CancelWatcher {
	return &CancelWatcher{
		redis:     rdb,
		queue:     queueName,
		logger:    logger,
		cancelled: make(map[string]struct{}),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Start subscribes to the cancel channel and launches the listen loop.
func (w *CancelWatcher) Start(ctx context.Context) error {
	channel := w.queue + ":cancel"
	w.pubsub = w.redis.Subscribe(ctx, channel)

	// Force the subscription onto the wire before reporting ready.
	if _, err := w.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to cancel channel: %w", err)
	}

	common.SafeGo(w.logger, "cancelWatcher", w.listen)

	w.logger.Info().Str("channel", channel).Msg("Cancellation watcher started")
	return nil
}

// Stop closes the subscription, ending the listen loop.
func (w *CancelWatcher) Stop() error {
	if w.pubsub == nil {
		return nil
	}
	return w.pubsub.Close()
}

func (w *CancelWatcher) listen() {
	for msg := range w.pubsub.Channel() {
		scanID := parseCancelMessage(msg.Payload)
		if !common.IsValidScanID(scanID) {
			w.logger.Debug().Str("payload", msg.Payload).Msg("Ignoring malformed cancel message")
			continue
		}
		w.markCancelled(scanID)
	}
}

// parseCancelMessage accepts either a bare scan id or a JSON object
// carrying a scanId field.
func parseCancelMessage(payload string) string {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "{") {
		var body struct {
			ScanID string `json:"scanId"`
		}
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			return ""
		}
		return body.ScanID
	}
	return payload
}

func (w *CancelWatcher) markCancelled(scanID string) {
	w.mu.Lock()
	w.cancelled[scanID] = struct{}{}
	cancel := w.cancels[scanID]
	w.mu.Unlock()

	w.logger.Info().Str("scan_id", scanID).Msg("Scan cancellation requested")
	if cancel != nil {
		cancel()
	}
}

// IsCancelled reports whether a cancellation was observed for the scan.
func (w *CancelWatcher) IsCancelled(scanID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.cancelled[scanID]
	return ok
}

// Register attaches the running job's cancel func so an incoming
// cancellation interrupts blocking work immediately. A cancellation
// that already arrived fires the func right away.
func (w *CancelWatcher) Register(scanID string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.cancels[scanID] = cancel
	_, already := w.cancelled[scanID]
	w.mu.Unlock()

	if already {
		cancel()
	}
}

// Unregister drops all cancellation state for the scan. Called when the
// job ends, whatever the outcome.
func (w *CancelWatcher) Unregister(scanID string) {
	w.mu.Lock()
	delete(w.cancels, scanID)
	delete(w.cancelled, scanID)
	w.mu.Unlock()
}
