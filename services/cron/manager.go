package cron

import (
	"log"

	"github.com/robfig/cron/v3"

	"github.com/Kenny010604/SERENVOICE-sub000/services"
)

// CronManager manages all scheduled cron jobs
type CronManager struct {
	cron     *cron.Cron
	sessions *services.SessionService
}

// NewCronManager creates a new cron manager. It shares the request-serving
// session coordinator so the sweeper's cancellations contend on the same
// per-session locks as in-flight completions.
func NewCronManager(sessions *services.SessionService) *CronManager {
	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds())

	return &CronManager{
		cron:     c,
		sessions: sessions,
	}
}

// Start starts all cron jobs
func (m *CronManager) Start() error {
	log.Println("Starting cron jobs...")

	if err := m.registerJobs(); err != nil {
		return err
	}

	m.cron.Start()

	log.Println("Cron jobs started successfully")
	return nil
}

// Stop stops all cron jobs
func (m *CronManager) Stop() {
	log.Println("Stopping cron jobs...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("Cron jobs stopped")
}

// registerJobs registers all cron jobs with their schedules
func (m *CronManager) registerJobs() error {
	// Every minute: cancel sessions past their deadline
	_, err := m.cron.AddFunc("0 * * * * *", func() {
		m.logJobStart("cancel_expired_sessions")
		m.CancelExpiredSessions()
	})
	if err != nil {
		return err
	}

	return nil
}

func (m *CronManager) logJobStart(name string) {
	log.Printf("[CRON] Running job: %s", name)
}
