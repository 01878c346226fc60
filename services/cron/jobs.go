package cron

import (
	"context"
	"log"
	"time"
)

// CancelExpiredSessions is the external scheduler the session coordinator
// relies on: sessions past their deadline with fewer completions than
// participants move to cancelled. Cancellation is a state transition, not a
// deletion, and no partial aggregation is ever produced for them.
func (m *CronManager) CancelExpiredSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelled, err := m.sessions.CancelExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("[CRON] cancel_expired_sessions failed: %v", err)
		return
	}
	if cancelled > 0 {
		log.Printf("[CRON] cancel_expired_sessions: cancelled %d session(s)", cancelled)
	}
}
