package handler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/storage"
)

// HistoryPruneHandler deletes run-history records older than the
// configured retention. Scheduled as a task itself, it keeps the history
// database bounded without a separate maintenance loop.
type HistoryPruneHandler struct {
	logger    *zap.Logger
	store     storage.RunHistoryStore
	retention time.Duration
}

// NewHistoryPruneHandler creates a history prune handler
func NewHistoryPruneHandler(store storage.RunHistoryStore, retention time.Duration, logger *zap.Logger) *HistoryPruneHandler {
	return &HistoryPruneHandler{
		logger:    logger.Named("history-prune"),
		store:     store,
		retention: retention,
	}
}

// Run deletes records that started before now minus the retention
func (h *HistoryPruneHandler) Run(ctx context.Context) (interface{}, error) {
	cutoff := time.Now().Add(-h.retention)

	if err := h.store.DeleteBefore(ctx, cutoff); err != nil {
		return nil, err
	}

	remaining, err := h.store.Count(ctx, "")
	if err != nil {
		return nil, err
	}

	h.logger.Info("Run history pruned",
		zap.Time("cutoff", cutoff),
		zap.Int("remaining", remaining))

	return map[string]interface{}{
		"cutoff":    cutoff,
		"remaining": remaining,
	}, nil
}
