package kv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	progressTTL = 24 * time.Hour
	cancelTTL   = time.Hour
)

func progressKey(experimentID string) string {
	return fmt.Sprintf("experiment:%s:progress", experimentID)
}

func cancelKey(experimentID string) string {
	return fmt.Sprintf("experiment:%s:cancel", experimentID)
}

// SetProgress records "done/total" for a running experiment.
func (s *Store) SetProgress(ctx context.Context, experimentID string, done, total int) error {
	return s.Set(ctx, progressKey(experimentID), fmt.Sprintf("%d/%d", done, total), progressTTL)
}

// GetProgress reads experiment progress. found is false when the key has
// expired or was never written.
func (s *Store) GetProgress(ctx context.Context, experimentID string) (done, total int, found bool, err error) {
	raw, found, err := s.Get(ctx, progressKey(experimentID))
	if err != nil || !found {
		return 0, 0, false, err
	}
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false, fmt.Errorf("malformed progress value %q", raw)
	}
	done, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false, fmt.Errorf("malformed progress value %q", raw)
	}
	total, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false, fmt.Errorf("malformed progress value %q", raw)
	}
	return done, total, true, nil
}

// RequestCancel raises the cancellation flag the runner polls at batch
// boundaries. The flag expires on its own if the runner never sees it.
func (s *Store) RequestCancel(ctx context.Context, experimentID string) error {
	return s.Set(ctx, cancelKey(experimentID), "1", cancelTTL)
}

// CancelRequested reports whether cancellation was requested. Redis errors
// read as "not cancelled" so a cache outage cannot kill running experiments.
func (s *Store) CancelRequested(ctx context.Context, experimentID string) bool {
	found, err := s.Exists(ctx, cancelKey(experimentID))
	if err != nil {
		s.logger.Warn("cancel flag check failed, assuming not cancelled")
		return false
	}
	return found
}

// ClearCancel drops the cancellation flag once the runner has acted on it.
func (s *Store) ClearCancel(ctx context.Context, experimentID string) error {
	return s.Del(ctx, cancelKey(experimentID))
}

// ClearExperiment removes both progress and cancel keys after a run ends.
func (s *Store) ClearExperiment(ctx context.Context, experimentID string) error {
	return s.Del(ctx, progressKey(experimentID), cancelKey(experimentID))
}
