package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
)

// FileCleanupPayload configures a recurring file cleanup task
type FileCleanupPayload struct {
	Dir     string        `json:"dir"`
	Pattern string        `json:"pattern,omitempty"`
	MaxAge  time.Duration `json:"max_age"`
}

// FileCleanupResult is the recorded outcome of a file cleanup task
type FileCleanupResult struct {
	Scanned int `json:"scanned"`
	Deleted int `json:"deleted"`
}

// FileCleanupHandler deletes files in a directory whose modification
// time is older than the configured age. Typical use: pruning generated
// artifacts and stale task logs.
type FileCleanupHandler struct {
	logger  *zap.Logger
	payload FileCleanupPayload
}

// NewFileCleanupHandler creates a file cleanup handler
func NewFileCleanupHandler(payload FileCleanupPayload, logger *zap.Logger) *FileCleanupHandler {
	if payload.Pattern == "" {
		payload.Pattern = "*"
	}
	return &FileCleanupHandler{
		logger:  logger.Named("file-cleanup"),
		payload: payload,
	}
}

// Run scans the directory once and removes expired files
func (h *FileCleanupHandler) Run(ctx context.Context) (interface{}, error) {
	entries, err := os.ReadDir(h.payload.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	cutoff := time.Now().Add(-h.payload.MaxAge)
	result := &FileCleanupResult{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if entry.IsDir() {
			continue
		}

		matched, err := filepath.Match(h.payload.Pattern, entry.Name())
		if err != nil {
			return result, fmt.Errorf("invalid pattern %q: %w", h.payload.Pattern, err)
		}
		if !matched {
			continue
		}
		result.Scanned++

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(h.payload.Dir, entry.Name())
		if err := os.Remove(path); err != nil {
			h.logger.Warn("Failed to remove file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		result.Deleted++
	}

	h.logger.Info("File cleanup finished",
		zap.String("dir", h.payload.Dir),
		zap.Int("scanned", result.Scanned),
		zap.Int("deleted", result.Deleted))
	return result, nil
}

// NewFileCleanupFactory returns a Factory building file cleanup handlers
func NewFileCleanupFactory() Factory {
	return func(payload map[string]interface{}, logger *zap.Logger) (model.Handler, error) {
		var p FileCleanupPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		if p.Dir == "" {
			return nil, fmt.Errorf("file_cleanup handler requires a dir")
		}
		if p.MaxAge <= 0 {
			return nil, fmt.Errorf("file_cleanup handler requires a positive max_age")
		}
		return NewFileCleanupHandler(p, logger).Run, nil
	}
}
