package db

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/firewall"
	"github.com/aegisai/aegis/internal/metrics"
)

const (
	logQueueSize     = 1000
	logBatchSize     = 100
	logFlushInterval = time.Second
	logWriteTimeout  = 10 * time.Second
)

// logWriter batches firewall log inserts off the request path. A full
// queue drops the log rather than blocking a live firewall response.
type logWriter struct {
	client *Client
	logger *zap.Logger
	queue  chan firewall.LogEntry
	stopCh chan struct{}
	doneCh chan struct{}
}

func newLogWriter(client *Client, logger *zap.Logger) *logWriter {
	w := &logWriter{
		client: client,
		logger: logger,
		queue:  make(chan firewall.LogEntry, logQueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue offers an entry to the writer without blocking.
func (w *logWriter) enqueue(entry firewall.LogEntry) {
	select {
	case w.queue <- entry:
		metrics.AsyncWriteQueueDepth.Set(float64(len(w.queue)))
	default:
		metrics.AsyncWritesDropped.Inc()
		w.logger.Warn("firewall log queue full, dropping entry",
			zap.String("project_id", entry.ProjectID.String()))
	}
}

func (w *logWriter) run() {
	defer close(w.doneCh)

	batch := make([]firewall.LogEntry, 0, logBatchSize)
	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-w.queue:
			batch = append(batch, entry)
			if len(batch) >= logBatchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.stopCh:
			w.drain(batch)
			return
		}
	}
}

// drain empties the queue during shutdown, bounded by logWriteTimeout.
func (w *logWriter) drain(batch []firewall.LogEntry) {
	deadline := time.After(logWriteTimeout)
	for {
		select {
		case entry := <-w.queue:
			batch = append(batch, entry)
			if len(batch) >= logBatchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-deadline:
			w.logger.Warn("timeout draining firewall log queue",
				zap.Int("remaining", len(w.queue)))
			w.flush(batch)
			return
		default:
			w.flush(batch)
			return
		}
	}
}

func (w *logWriter) flush(batch []firewall.LogEntry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
	defer cancel()
	if err := w.client.batchInsertFirewallLogs(ctx, batch); err != nil {
		w.logger.Error("failed to flush firewall logs",
			zap.Int("count", len(batch)), zap.Error(err))
	}
	metrics.AsyncWriteQueueDepth.Set(float64(len(w.queue)))
}

func (w *logWriter) close() {
	close(w.stopCh)
	<-w.doneCh
}
