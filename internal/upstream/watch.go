package upstream

import (
	"context"
	"log/slog"
	"time"

	"github.com/kartikbazzad/bunbase/bunsync/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsync/internal/cvr"
)

// Versioner reports the replica's current state version.
type Versioner interface {
	Version(ctx context.Context) (cvr.LexiVersion, error)
}

// Watch polls v and publishes a Notification with no tables whenever the
// version moves forward. It returns when ctx is done.
func Watch(ctx context.Context, log *slog.Logger, v Versioner, b *broker.Broker[Notification], interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last cvr.LexiVersion
	for {
		current, err := v.Version(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				log.Warn("failed to poll replica version", "error", err)
			}
		case current > last:
			if last != "" {
				b.Publish(&broker.Message[Notification]{Topic: Topic, Payload: Notification{Version: current}})
				log.Debug("replica advanced", "from", last, "to", current)
			}
			last = current
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
