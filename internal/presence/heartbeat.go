package presence

import (
	"context"
	"log/slog"
	"time"
)

// RunHeartbeat keeps a business online until ctx ends, then marks it offline.
// every should be well below the heartbeat timeout; a third is typical.
func RunHeartbeat(ctx context.Context, s Store, businessID string, every time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	beat := func() {
		if err := s.Heartbeat(ctx, businessID, time.Now()); err != nil && ctx.Err() == nil {
			log.Warn("heartbeat failed", "business_id", businessID, "err", err)
		}
	}

	beat()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if err := s.Clear(clearCtx, businessID); err != nil {
				log.Warn("presence clear failed", "business_id", businessID, "err", err)
			}
			cancel()
			return
		case <-t.C:
			beat()
		}
	}
}
