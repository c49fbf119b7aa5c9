package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/convmode/internal/logging"
)

const connectTimeout = 10 * time.Second

// NewStore opens the history backend. An empty databaseURL keeps history in
// process, which only suits a single replica.
func NewStore(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, error) {
	logger = logging.OrDiscard(logger).With("component", "memory")
	if strings.TrimSpace(databaseURL) == "" {
		logger.Info("history store ready", "backend", "memory")
		return NewInMemoryStore(), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	store, err := NewPostgresStore(connectCtx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	logger.Info("history store ready", "backend", "postgres")
	return store, nil
}
