package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Kenny010604/SERENVOICE-sub000/model"
	"github.com/Kenny010604/SERENVOICE-sub000/services/inference"
)

const (
	// DefaultPollIntervalSeconds is the polling cadence the status endpoint
	// advertises to clients that are waiting on other participants.
	DefaultPollIntervalSeconds = 10

	// statusCacheTTL keeps polled status reads cheap without letting clients
	// observe stale state for longer than a fraction of the poll interval.
	statusCacheTTL = 2 * time.Second

	statusCacheKeyFormat = "serenvoice:session_status:%s"
)

// InferenceGateway is the slice of the inference client the coordinator needs.
type InferenceGateway interface {
	Infer(ctx context.Context, audio []byte, durationSeconds float64) (*inference.Result, error)
}

// StatusCache is the slice of the redis cache the coordinator uses for polled
// status reads.
type StatusCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// SessionService is the session coordinator: it owns session and participant
// state, decides when aggregation triggers, and guarantees at most one group
// result per session. The session row is the only shared mutable resource;
// everything session-scoped that mutates it runs under the per-session lock.
type SessionService struct {
	db             *gorm.DB
	participations *ParticipationService
	gateway        InferenceGateway
	cache          StatusCache

	// One mutex per live session id. Entries are never evicted; sessions are
	// short-lived relative to process lifetime and the mutexes are tiny.
	sessionLocks sync.Map
}

// NewSessionService creates a new session coordinator. The status cache is
// optional: a nil cache degrades status reads to the database. One instance
// serves both the request path and the deadline scheduler so every
// session-scoped mutation contends on the same per-session mutex map.
func NewSessionService(db *gorm.DB, gateway InferenceGateway, statusCache StatusCache) *SessionService {
	return &SessionService{
		db:             db,
		participations: NewParticipationService(db),
		gateway:        gateway,
		cache:          statusCache,
	}
}

// Participations exposes the participant state machine for recording-flow
// endpoints that do not touch session state.
func (s *SessionService) Participations() *ParticipationService {
	return s.participations
}

// CreateSessionRequest carries the inputs for a new group session.
type CreateSessionRequest struct {
	GroupID            uint
	Title              string
	Description        string
	ParticipantUserIDs []uint
	Deadline           *time.Time
}

// CreateSession snapshots the given membership into TotalParticipants and
// creates one pending participation per member. The snapshot is fixed: members
// joining the group later are not added to a running session.
func (s *SessionService) CreateSession(ctx context.Context, req CreateSessionRequest) (*model.GroupSession, error) {
	participantIDs := dedupeIDs(req.ParticipantUserIDs)
	if len(participantIDs) == 0 {
		return nil, ErrNoParticipants
	}

	var group model.Group
	if err := s.db.WithContext(ctx).First(&group, req.GroupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to load group: %w", err)
	}

	session := &model.GroupSession{
		ID:                uuid.NewString(),
		GroupID:           req.GroupID,
		Title:             req.Title,
		Description:       req.Description,
		Status:            model.SessionStatusPending,
		TotalParticipants: len(participantIDs),
		CompletedCount:    0,
		StartTime:         time.Now().UTC(),
		Deadline:          req.Deadline,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		for _, userID := range participantIDs {
			participation := &model.Participation{
				ID:        uuid.NewString(),
				SessionID: session.ID,
				UserID:    userID,
				Status:    model.ParticipationStatusPending,
			}
			if err := tx.Create(participation).Error; err != nil {
				return fmt.Errorf("failed to create participation for user %d: %w", userID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

// StartRecording drives the caller's participation from pending to recording.
func (s *SessionService) StartRecording(ctx context.Context, sessionID string, userID uint) (*model.Participation, error) {
	if err := s.requireActiveSession(ctx, sessionID); err != nil {
		return nil, err
	}
	participation, err := s.participations.StartRecording(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	s.invalidateStatus(ctx, sessionID)
	return participation, nil
}

// CancelRecording returns the caller's participation from recording to
// pending. Purely local to this participant; no session state is touched.
func (s *SessionService) CancelRecording(ctx context.Context, sessionID string, userID uint) (*model.Participation, error) {
	participation, err := s.participations.CancelRecording(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	s.invalidateStatus(ctx, sessionID)
	return participation, nil
}

// RetryErrored resets an errored participation for a fresh submission cycle.
func (s *SessionService) RetryErrored(ctx context.Context, sessionID string, userID uint) (*model.Participation, error) {
	if err := s.requireActiveSession(ctx, sessionID); err != nil {
		return nil, err
	}
	participation, err := s.participations.RetryErrored(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	s.invalidateStatus(ctx, sessionID)
	return participation, nil
}

// SubmitParticipation accepts the caller's voice sample, runs inference, and
// on success completes the participation, advancing the session and
// triggering aggregation when this submission is the last one.
func (s *SessionService) SubmitParticipation(ctx context.Context, sessionID string, userID uint, audio []byte, durationSeconds float64) (*model.Participation, error) {
	if err := s.requireActiveSession(ctx, sessionID); err != nil {
		return nil, err
	}

	participation, err := s.participations.BeginAnalysis(ctx, sessionID, userID, durationSeconds)
	if err != nil {
		return nil, err
	}
	s.invalidateStatus(ctx, sessionID)

	// The gateway call may take seconds; it runs outside any lock.
	result, err := s.gateway.Infer(ctx, audio, durationSeconds)
	if err != nil {
		if markErr := s.participations.MarkErrored(ctx, participation); markErr != nil {
			log.Printf("Failed to mark participation %s errored: %v", participation.ID, markErr)
		}
		s.invalidateStatus(ctx, sessionID)
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	if err := s.completeParticipation(ctx, participation, result, durationSeconds); err != nil {
		// The result could not be persisted; analyzing has no legal edge back
		// to recording, so park the participation in errored to keep the
		// retry path open instead of wedging it.
		if markErr := s.participations.MarkErrored(ctx, participation); markErr != nil {
			log.Printf("Failed to mark participation %s errored: %v", participation.ID, markErr)
		}
		s.invalidateStatus(ctx, sessionID)
		return nil, err
	}
	s.invalidateStatus(ctx, sessionID)
	return participation, nil
}

// completeParticipation is the session critical section: writing the
// individual result, advancing CompletedCount, the completeness check, and
// the aggregation trigger all happen under the per-session lock, inside one
// transaction. Two concurrent last-completers therefore cannot both observe
// "I am the one who completed it".
func (s *SessionService) completeParticipation(ctx context.Context, participation *model.Participation, result *inference.Result, durationSeconds float64) error {
	lock := s.sessionLock(participation.SessionID)
	lock.Lock()
	defer lock.Unlock()

	emotions, err := json.Marshal(result.Emotions)
	if err != nil {
		return fmt.Errorf("failed to encode emotion vector: %w", err)
	}
	now := time.Now().UTC()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session model.GroupSession
		if err := tx.First(&session, "id = ?", participation.SessionID).Error; err != nil {
			return fmt.Errorf("failed to reload session: %w", err)
		}
		if session.Status == model.SessionStatusCancelled {
			return fmt.Errorf("session was cancelled during analysis: %w", ErrSessionNotActive)
		}

		var current model.Participation
		if err := tx.First(&current, "id = ?", participation.ID).Error; err != nil {
			return fmt.Errorf("failed to reload participation: %w", err)
		}
		if current.Status != model.ParticipationStatusAnalyzing {
			return fmt.Errorf("participation is %s, expected analyzing: %w", current.Status, ErrInvalidState)
		}

		// The individual result is written before the session counter moves,
		// so aggregation can never read a half-written record.
		updates := map[string]interface{}{
			"status":           model.ParticipationStatusCompleted,
			"emotions":         emotions,
			"confidence":       result.Confidence,
			"duration_seconds": durationSeconds,
			"completed_at":     now,
		}
		if err := tx.Model(&current).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to complete participation: %w", err)
		}

		return s.onParticipantCompleted(tx, &session)
	})
	if err != nil {
		return err
	}

	// The in-memory row is touched only after the commit: a rolled-back
	// attempt leaves it in analyzing so MarkErrored can still apply.
	participation.Status = model.ParticipationStatusCompleted
	participation.Emotions = emotions
	participation.Confidence = result.Confidence
	participation.DurationSeconds = durationSeconds
	participation.CompletedAt = &now
	return nil
}

// onParticipantCompleted is the sole place CompletedCount advances. Callers
// hold the session lock and an open transaction.
func (s *SessionService) onParticipantCompleted(tx *gorm.DB, session *model.GroupSession) error {
	if session.CompletedCount >= session.TotalParticipants {
		return fmt.Errorf("completed count %d already covers all %d participants: %w",
			session.CompletedCount, session.TotalParticipants, ErrAggregationConflict)
	}
	session.CompletedCount++

	switch {
	case session.CompletedCount == session.TotalParticipants:
		groupResult, err := s.aggregateSession(tx, session)
		if err != nil {
			return err
		}
		session.Status = model.SessionStatusCompleted
		session.GroupResultID = &groupResult.ID
	case session.Status == model.SessionStatusPending:
		session.Status = model.SessionStatusInProgress
	}

	updates := map[string]interface{}{
		"completed_count": session.CompletedCount,
		"status":          session.Status,
	}
	if session.GroupResultID != nil {
		updates["group_result_id"] = *session.GroupResultID
	}
	if err := tx.Model(&model.GroupSession{}).Where("id = ?", session.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to advance session progress: %w", err)
	}
	return nil
}

// aggregateSession runs the aggregation engine for a session that just
// reached full completion. By construction it runs once; the existence check
// is the defensive backstop and returns the existing result unchanged instead
// of surfacing a user-facing failure.
func (s *SessionService) aggregateSession(tx *gorm.DB, session *model.GroupSession) (*model.GroupResult, error) {
	var existing model.GroupResult
	err := tx.First(&existing, "session_id = ?", session.ID).Error
	if err == nil {
		log.Printf("Aggregation invoked twice for session %s; returning existing result %s",
			session.ID, existing.ID)
		if existing.ParticipantCount != session.CompletedCount {
			log.Printf("Existing result for session %s covers %d participants, session now has %d",
				session.ID, existing.ParticipantCount, session.CompletedCount)
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check for existing group result: %w", err)
	}

	var completed []model.Participation
	if err := tx.Where("session_id = ? AND status = ?",
		session.ID, model.ParticipationStatusCompleted).
		Find(&completed).Error; err != nil {
		return nil, fmt.Errorf("failed to load completed participations: %w", err)
	}

	outcome, err := Aggregate(completed)
	if err != nil {
		return nil, err
	}

	averages, err := json.Marshal(outcome.Averages)
	if err != nil {
		return nil, fmt.Errorf("failed to encode averages: %w", err)
	}

	groupResult := &model.GroupResult{
		ID:                 uuid.NewString(),
		SessionID:          session.ID,
		Averages:           averages,
		PredominantEmotion: outcome.PredominantEmotion,
		WellbeingScore:     outcome.WellbeingScore,
		ParticipantCount:   outcome.ParticipantCount,
	}
	if err := tx.Create(groupResult).Error; err != nil {
		return nil, fmt.Errorf("failed to persist group result: %w", err)
	}
	return groupResult, nil
}

// GetSessionStatus returns the polled session view: progress, every
// participant's state, and the group result once completed. Reads are served
// from a short-lived cache when redis is available.
func (s *SessionService) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatusView, error) {
	cacheKey := fmt.Sprintf(statusCacheKeyFormat, sessionID)
	if s.cache != nil {
		var cached SessionStatusView
		if err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	var session model.GroupSession
	err := s.db.WithContext(ctx).
		Preload("Participations").
		Preload("GroupResult").
		First(&session, "id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	view, err := buildStatusView(&session)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cacheKey, view, statusCacheTTL); err != nil {
			log.Printf("Failed to cache session status for %s: %v", sessionID, err)
		}
	}
	return view, nil
}

// GetGroupResult returns the aggregated result, failing with ErrResultNotReady
// while the session has not completed. No partial aggregate is ever produced.
func (s *SessionService) GetGroupResult(ctx context.Context, sessionID string) (*GroupResultView, error) {
	var session model.GroupSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status != model.SessionStatusCompleted || session.GroupResultID == nil {
		return nil, ErrResultNotReady
	}

	var groupResult model.GroupResult
	if err := s.db.WithContext(ctx).First(&groupResult, "session_id = ?", sessionID).Error; err != nil {
		return nil, fmt.Errorf("failed to load group result: %w", err)
	}
	return buildGroupResultView(&groupResult)
}

// CancelSession is the out-of-band admin transition. Completed sessions are
// immutable; cancelling one fails with ErrInvalidState.
func (s *SessionService) CancelSession(ctx context.Context, sessionID string) (*model.GroupSession, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var session model.GroupSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status == model.SessionStatusCompleted || session.Status == model.SessionStatusCancelled {
		return nil, fmt.Errorf("session is already %s: %w", session.Status, ErrInvalidState)
	}

	// Guarded write: another process may complete the session between the
	// read above and this update, and a completed session must keep its
	// result. The status predicate makes the late cancel lose.
	result := s.db.WithContext(ctx).Model(&model.GroupSession{}).
		Where("id = ? AND status IN ?", sessionID,
			[]string{model.SessionStatusPending, model.SessionStatusInProgress}).
		Update("status", model.SessionStatusCancelled)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to cancel session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("session %s changed concurrently: %w", sessionID, ErrInvalidState)
	}
	session.Status = model.SessionStatusCancelled
	s.invalidateStatus(ctx, sessionID)
	return &session, nil
}

// CancelExpiredSessions transitions sessions past their deadline and short of
// full completion to cancelled. Invoked by the scheduler, never by requests.
func (s *SessionService) CancelExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	var expired []model.GroupSession
	err := s.db.WithContext(ctx).
		Where("status IN ? AND deadline IS NOT NULL AND deadline < ?",
			[]string{model.SessionStatusPending, model.SessionStatusInProgress}, now).
		Find(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	var cancelled int64
	for i := range expired {
		if _, err := s.CancelSession(ctx, expired[i].ID); err != nil {
			// A session completing between the scan and the cancel is fine.
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// requireActiveSession rejects recording-flow operations on sessions that can
// no longer accept submissions.
func (s *SessionService) requireActiveSession(ctx context.Context, sessionID string) error {
	var session model.GroupSession
	err := s.db.WithContext(ctx).Select("id", "status").First(&session, "id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status == model.SessionStatusCancelled || session.Status == model.SessionStatusCompleted {
		return fmt.Errorf("session is %s: %w", session.Status, ErrSessionNotActive)
	}
	return nil
}

func (s *SessionService) sessionLock(sessionID string) *sync.Mutex {
	lock, _ := s.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *SessionService) invalidateStatus(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	cacheKey := fmt.Sprintf(statusCacheKeyFormat, sessionID)
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		log.Printf("Failed to invalidate status cache for %s: %v", sessionID, err)
	}
}

func dedupeIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
