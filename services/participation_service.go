package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/Kenny010604/SERENVOICE-sub000/model"
)

// MinRecordingSeconds is the minimum accepted voice sample length. Enforced
// server-side: the client-side check is a convenience, this one is the rule.
const MinRecordingSeconds = 5.0

// participationTransitions lists every legal edge of the participant state
// machine. Completed is terminal; errored may only be reset to pending for a
// fresh submission cycle.
var participationTransitions = map[string][]string{
	model.ParticipationStatusPending:   {model.ParticipationStatusRecording},
	model.ParticipationStatusRecording: {model.ParticipationStatusPending, model.ParticipationStatusAnalyzing},
	model.ParticipationStatusAnalyzing: {model.ParticipationStatusCompleted, model.ParticipationStatusErrored},
	model.ParticipationStatusErrored:   {model.ParticipationStatusPending},
	model.ParticipationStatusCompleted: {},
}

func canTransition(from, to string) bool {
	for _, allowed := range participationTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ParticipationService drives a single participant's recording/submission flow
// within a session. Every participation row has a single writer (its owner),
// so no cross-participant locking happens here; session-level coordination
// lives in SessionService.
type ParticipationService struct {
	db *gorm.DB
}

// NewParticipationService creates a new participation service
func NewParticipationService(db *gorm.DB) *ParticipationService {
	return &ParticipationService{db: db}
}

// Find loads the caller's participation in a session. Returns
// ErrSessionNotFound when the session does not exist and ErrNotParticipant
// when it exists but the caller has no row in it.
func (s *ParticipationService) Find(ctx context.Context, sessionID string, userID uint) (*model.Participation, error) {
	var participation model.Participation
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&participation).Error
	if err == nil {
		return &participation, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load participation: %w", err)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&model.GroupSession{}).
		Where("id = ?", sessionID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if count == 0 {
		return nil, ErrSessionNotFound
	}
	return nil, ErrNotParticipant
}

// StartRecording transitions pending -> recording.
func (s *ParticipationService) StartRecording(ctx context.Context, sessionID string, userID uint) (*model.Participation, error) {
	return s.transition(ctx, sessionID, userID, model.ParticipationStatusRecording)
}

// CancelRecording transitions recording -> pending. Discarding the locally
// buffered audio is the client's job; nothing has reached the server yet.
func (s *ParticipationService) CancelRecording(ctx context.Context, sessionID string, userID uint) (*model.Participation, error) {
	return s.transition(ctx, sessionID, userID, model.ParticipationStatusPending)
}

// RetryErrored resets errored -> pending for a fresh submission cycle. The
// stale result fields from the failed attempt are cleared.
func (s *ParticipationService) RetryErrored(ctx context.Context, sessionID string, userID uint) (*model.Participation, error) {
	participation, err := s.Find(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if participation.Status != model.ParticipationStatusErrored {
		return nil, fmt.Errorf("retry requires errored state, currently %s: %w",
			participation.Status, ErrInvalidState)
	}

	updates := map[string]interface{}{
		"status":           model.ParticipationStatusPending,
		"emotions":         nil,
		"confidence":       0,
		"duration_seconds": 0,
	}
	if err := s.db.WithContext(ctx).Model(participation).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to reset participation: %w", err)
	}
	participation.Status = model.ParticipationStatusPending
	participation.Emotions = nil
	participation.Confidence = 0
	participation.DurationSeconds = 0
	return participation, nil
}

// BeginAnalysis accepts a submission: validates the duration floor without
// touching state, then transitions recording -> analyzing.
func (s *ParticipationService) BeginAnalysis(ctx context.Context, sessionID string, userID uint, durationSeconds float64) (*model.Participation, error) {
	participation, err := s.Find(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if participation.Status != model.ParticipationStatusRecording {
		return nil, fmt.Errorf("submit requires recording state, currently %s: %w",
			participation.Status, ErrInvalidState)
	}
	if durationSeconds < MinRecordingSeconds {
		// Rejected before any transition: the participant stays in recording
		// and may resubmit without re-entering the flow.
		return nil, fmt.Errorf("duration %.1fs is below the %.0fs minimum: %w",
			durationSeconds, MinRecordingSeconds, ErrRecordingTooShort)
	}

	if err := s.applyTransition(ctx, participation, model.ParticipationStatusAnalyzing); err != nil {
		return nil, err
	}
	return participation, nil
}

// MarkErrored transitions analyzing -> errored after inference failure. The
// session's completed count is untouched.
func (s *ParticipationService) MarkErrored(ctx context.Context, participation *model.Participation) error {
	return s.applyTransition(ctx, participation, model.ParticipationStatusErrored)
}

func (s *ParticipationService) transition(ctx context.Context, sessionID string, userID uint, to string) (*model.Participation, error) {
	participation, err := s.Find(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.applyTransition(ctx, participation, to); err != nil {
		return nil, err
	}
	return participation, nil
}

func (s *ParticipationService) applyTransition(ctx context.Context, participation *model.Participation, to string) error {
	if !canTransition(participation.Status, to) {
		return fmt.Errorf("cannot move participation from %s to %s: %w",
			participation.Status, to, ErrInvalidState)
	}

	// Guarded update: the WHERE clause on the current status makes a lost
	// double-submit fail instead of overwriting a concurrent transition.
	result := s.db.WithContext(ctx).Model(&model.Participation{}).
		Where("id = ? AND status = ?", participation.ID, participation.Status).
		Update("status", to)
	if result.Error != nil {
		return fmt.Errorf("failed to update participation status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("participation %s changed concurrently: %w", participation.ID, ErrInvalidState)
	}

	participation.Status = to
	return nil
}
