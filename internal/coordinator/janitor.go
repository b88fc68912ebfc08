package coordinator

import (
	"context"
	"time"
)

// runJanitor owns all scheduled cleanup: expired challenges, pairing
// sessions, browser sessions, unconfirmed device bindings, and stale
// gateway connections.  Purging is record-driven, so state survives a
// restart without rearming anything.
func (s *Server) runJanitor(ctx context.Context) {
	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatInterval)
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer heartbeatTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			s.expireStaleGatewaySessions()
		case <-cleanupTicker.C:
			s.purgeExpiredRecords(ctx)
		}
	}
}

func (s *Server) purgeExpiredRecords(ctx context.Context) {
	purgeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	now := time.Now()

	if n, err := s.store.PurgeExpiredChallenges(purgeCtx, now, 0); err != nil {
		s.log.Error("failed to purge expired challenges", "err", err)
	} else if n > 0 {
		s.log.Debug("purged expired challenges", "count", n)
	}

	if n, err := s.store.PurgeExpiredPairingSessions(purgeCtx, now, 0); err != nil {
		s.log.Error("failed to purge expired pairing sessions", "err", err)
	} else if n > 0 {
		s.log.Debug("purged expired pairing sessions", "count", n)
	}

	if n, err := s.store.PurgeExpiredBrowserSessions(purgeCtx, now, 0); err != nil {
		s.log.Error("failed to purge expired browser sessions", "err", err)
	} else if n > 0 {
		s.log.Debug("purged expired browser sessions", "count", n)
	}

	if emails, err := s.store.PurgeUnconfirmedSubscriptions(purgeCtx, now); err != nil {
		s.log.Error("failed to purge unconfirmed subscriptions", "err", err)
	} else {
		for _, email := range emails {
			s.log.Info("removed unconfirmed device binding", "email", email)
		}
	}
}
