package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Kenny010604/SERENVOICE-sub000/database"
	"github.com/Kenny010604/SERENVOICE-sub000/model"
	"github.com/Kenny010604/SERENVOICE-sub000/services/inference"
)

// fakeGateway is an in-process stand-in for the emotion inference gateway.
type fakeGateway struct {
	mu    sync.Mutex
	calls int
	fn    func(audio []byte, durationSeconds float64) (*inference.Result, error)
}

func (f *fakeGateway) Infer(ctx context.Context, audio []byte, durationSeconds float64) (*inference.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(audio, durationSeconds)
	}
	return &inference.Result{
		Emotions: map[string]float64{
			"happiness": 0.6,
			"stress":    0.3,
			"anxiety":   0.2,
			"sadness":   0.1,
		},
		Confidence: 0.9,
	}, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// SQLite permits one writer; a single connection keeps concurrent test
	// submissions from tripping over database-is-locked errors.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

// newTestSession seeds a group with n members and creates a session over them.
func newTestSession(t *testing.T, svc *SessionService, db *gorm.DB, n int, deadline *time.Time) (*model.GroupSession, []uint) {
	t.Helper()

	nonce := uuid.NewString()[:8]
	owner := model.User{Email: fmt.Sprintf("owner-%s@test.local", nonce), PasswordHash: "x", Name: "Owner"}
	require.NoError(t, db.Create(&owner).Error)

	group := model.Group{Name: "Test Group", OwnerID: owner.ID}
	require.NoError(t, db.Create(&group).Error)

	userIDs := make([]uint, 0, n)
	for i := 0; i < n; i++ {
		user := model.User{
			Email:        fmt.Sprintf("member-%d-%s@test.local", i, nonce),
			PasswordHash: "x",
			Name:         fmt.Sprintf("Member %d", i),
		}
		require.NoError(t, db.Create(&user).Error)
		require.NoError(t, db.Create(&model.GroupMember{GroupID: group.ID, UserID: user.ID}).Error)
		userIDs = append(userIDs, user.ID)
	}

	session, err := svc.CreateSession(context.Background(), CreateSessionRequest{
		GroupID:            group.ID,
		Title:              "Weekly check-in",
		ParticipantUserIDs: userIDs,
		Deadline:           deadline,
	})
	require.NoError(t, err)
	return session, userIDs
}

func submitValid(t *testing.T, svc *SessionService, sessionID string, userID uint) *model.Participation {
	t.Helper()
	ctx := context.Background()

	_, err := svc.StartRecording(ctx, sessionID, userID)
	require.NoError(t, err)

	participation, err := svc.SubmitParticipation(ctx, sessionID, userID, []byte("audio"), 10)
	require.NoError(t, err)
	return participation
}

func TestCreateSessionSnapshotsMembership(t *testing.T) {
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)

	session, userIDs := newTestSession(t, svc, db, 3, nil)

	assert.Equal(t, model.SessionStatusPending, session.Status)
	assert.Equal(t, 3, session.TotalParticipants)
	assert.Equal(t, 0, session.CompletedCount)
	assert.Nil(t, session.GroupResultID)

	var participations []model.Participation
	require.NoError(t, db.Where("session_id = ?", session.ID).Find(&participations).Error)
	require.Len(t, participations, len(userIDs))
	for _, p := range participations {
		assert.Equal(t, model.ParticipationStatusPending, p.Status)
	}
}

func TestCreateSessionRequiresParticipants(t *testing.T) {
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)

	_, err := svc.CreateSession(context.Background(), CreateSessionRequest{GroupID: 999})
	assert.ErrorIs(t, err, ErrNoParticipants)
}

func TestPartialProgressIsInProgress(t *testing.T) {
	// Scenario A: two of three participants submit; the session reports
	// completed_count=2, in_progress, and no group result.
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)
	session, userIDs := newTestSession(t, svc, db, 3, nil)

	submitValid(t, svc, session.ID, userIDs[0])
	submitValid(t, svc, session.ID, userIDs[1])

	view, err := svc.GetSessionStatus(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.CompletedCount)
	assert.Equal(t, 3, view.TotalParticipants)
	assert.Equal(t, model.SessionStatusInProgress, view.Status)
	assert.InDelta(t, 100.0*2/3, view.PercentComplete, 1e-9)
	assert.Equal(t, DefaultPollIntervalSeconds, view.PollIntervalSeconds)
	assert.Nil(t, view.GroupResult)

	_, err = svc.GetGroupResult(context.Background(), session.ID)
	assert.ErrorIs(t, err, ErrResultNotReady)
}

func TestFinalSubmissionCompletesAndAggregates(t *testing.T) {
	// Scenario B: the third participant submits and the session completes
	// with a group result covering all three.
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)
	session, userIDs := newTestSession(t, svc, db, 3, nil)

	for _, userID := range userIDs {
		submitValid(t, svc, session.ID, userID)
	}

	view, err := svc.GetSessionStatus(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, view.CompletedCount)
	assert.Equal(t, model.SessionStatusCompleted, view.Status)
	require.NotNil(t, view.GroupResult)
	assert.Equal(t, 3, view.GroupResult.ParticipantCount)

	result, err := svc.GetGroupResult(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ParticipantCount)
	assert.Equal(t, "happiness", result.PredominantEmotion)

	// State-result coupling: group_result_id is set iff completed.
	var reloaded model.GroupSession
	require.NoError(t, db.First(&reloaded, "id = ?", session.ID).Error)
	assert.Equal(t, model.SessionStatusCompleted, reloaded.Status)
	require.NotNil(t, reloaded.GroupResultID)

	var resultCount int64
	require.NoError(t, db.Model(&model.GroupResult{}).
		Where("session_id = ?", session.ID).Count(&resultCount).Error)
	assert.EqualValues(t, 1, resultCount)
}

func TestTooShortSubmissionIsRejectedIdempotently(t *testing.T) {
	// Scenario C: audio below the 5s floor fails validation and leaves the
	// participant in recording, no matter how often it is retried.
	db := newTestDB(t)
	gateway := &fakeGateway{}
	svc := NewSessionService(db, gateway, nil)
	session, userIDs := newTestSession(t, svc, db, 1, nil)
	ctx := context.Background()

	_, err := svc.StartRecording(ctx, session.ID, userIDs[0])
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = svc.SubmitParticipation(ctx, session.ID, userIDs[0], []byte("audio"), 3)
		assert.ErrorIs(t, err, ErrRecordingTooShort)

		var p model.Participation
		require.NoError(t, db.Where("session_id = ? AND user_id = ?", session.ID, userIDs[0]).First(&p).Error)
		assert.Equal(t, model.ParticipationStatusRecording, p.Status)
	}
	assert.Zero(t, gateway.calls)

	// Resubmission with a valid length still works without restarting the flow.
	_, err = svc.SubmitParticipation(ctx, session.ID, userIDs[0], []byte("audio"), 10)
	require.NoError(t, err)
}

func TestConcurrentSubmissionsAggregateExactlyOnce(t *testing.T) {
	// Scenario D: 50 participants submit concurrently; exactly one group
	// result exists and its averages equal the independently computed mean.
	const participants = 50

	db := newTestDB(t)
	gateway := &fakeGateway{
		fn: func(audio []byte, durationSeconds float64) (*inference.Result, error) {
			// Duration encodes the participant index so every individual
			// result is distinct.
			idx := durationSeconds - 10
			return &inference.Result{
				Emotions: map[string]float64{
					"stress":    idx / 100,
					"happiness": 1 - idx/100,
				},
				Confidence: 0.9,
			}, nil
		},
	}
	svc := NewSessionService(db, gateway, nil)
	session, userIDs := newTestSession(t, svc, db, participants, nil)
	ctx := context.Background()

	var g errgroup.Group
	for i, userID := range userIDs {
		duration := float64(10 + i)
		userID := userID
		g.Go(func() error {
			if _, err := svc.StartRecording(ctx, session.ID, userID); err != nil {
				return err
			}
			_, err := svc.SubmitParticipation(ctx, session.ID, userID, []byte("audio"), duration)
			return err
		})
	}
	require.NoError(t, g.Wait())

	var resultCount int64
	require.NoError(t, db.Model(&model.GroupResult{}).
		Where("session_id = ?", session.ID).Count(&resultCount).Error)
	assert.EqualValues(t, 1, resultCount)

	var reloaded model.GroupSession
	require.NoError(t, db.First(&reloaded, "id = ?", session.ID).Error)
	assert.Equal(t, model.SessionStatusCompleted, reloaded.Status)
	assert.Equal(t, participants, reloaded.CompletedCount)

	expectedStress := 0.0
	for i := 0; i < participants; i++ {
		expectedStress += float64(i) / 100
	}
	expectedStress /= participants

	result, err := svc.GetGroupResult(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, participants, result.ParticipantCount)
	assert.InDelta(t, expectedStress, result.Averages["stress"], 1e-9)
	assert.InDelta(t, 1-expectedStress, result.Averages["happiness"], 1e-9)
	assert.Equal(t, "happiness", result.PredominantEmotion)
}

func TestIllegalTransitionsAreRejected(t *testing.T) {
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)
	session, userIDs := newTestSession(t, svc, db, 2, nil)
	ctx := context.Background()

	// Submitting without starting a recording.
	_, err := svc.SubmitParticipation(ctx, session.ID, userIDs[0], []byte("audio"), 10)
	assert.ErrorIs(t, err, ErrInvalidState)

	// Cancelling while still pending.
	_, err = svc.CancelRecording(ctx, session.ID, userIDs[0])
	assert.ErrorIs(t, err, ErrInvalidState)

	// Starting twice.
	_, err = svc.StartRecording(ctx, session.ID, userIDs[0])
	require.NoError(t, err)
	_, err = svc.StartRecording(ctx, session.ID, userIDs[0])
	assert.ErrorIs(t, err, ErrInvalidState)

	// Completed is terminal.
	_, err = svc.SubmitParticipation(ctx, session.ID, userIDs[0], []byte("audio"), 10)
	require.NoError(t, err)
	_, err = svc.StartRecording(ctx, session.ID, userIDs[0])
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelRecordingReturnsToPending(t *testing.T) {
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)
	session, userIDs := newTestSession(t, svc, db, 1, nil)
	ctx := context.Background()

	_, err := svc.StartRecording(ctx, session.ID, userIDs[0])
	require.NoError(t, err)

	participation, err := svc.CancelRecording(ctx, session.ID, userIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.ParticipationStatusPending, participation.Status)

	// The flow can start over.
	_, err = svc.StartRecording(ctx, session.ID, userIDs[0])
	require.NoError(t, err)
}

func TestInferenceFailureMarksErroredAndAllowsRetry(t *testing.T) {
	db := newTestDB(t)
	gateway := &fakeGateway{
		fn: func(audio []byte, durationSeconds float64) (*inference.Result, error) {
			return nil, errors.New("gateway exploded")
		},
	}
	svc := NewSessionService(db, gateway, nil)
	session, userIDs := newTestSession(t, svc, db, 2, nil)
	ctx := context.Background()

	_, err := svc.StartRecording(ctx, session.ID, userIDs[0])
	require.NoError(t, err)
	_, err = svc.SubmitParticipation(ctx, session.ID, userIDs[0], []byte("audio"), 10)
	assert.ErrorIs(t, err, ErrInference)

	var p model.Participation
	require.NoError(t, db.Where("session_id = ? AND user_id = ?", session.ID, userIDs[0]).First(&p).Error)
	assert.Equal(t, model.ParticipationStatusErrored, p.Status)

	// An errored participation never advances the session.
	var reloaded model.GroupSession
	require.NoError(t, db.First(&reloaded, "id = ?", session.ID).Error)
	assert.Equal(t, 0, reloaded.CompletedCount)
	assert.Equal(t, model.SessionStatusPending, reloaded.Status)

	// Retry resets to pending for a fresh submission cycle.
	participation, err := svc.RetryErrored(ctx, session.ID, userIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.ParticipationStatusPending, participation.Status)

	gateway.fn = nil
	submitValid(t, svc, session.ID, userIDs[0])

	require.NoError(t, db.First(&reloaded, "id = ?", session.ID).Error)
	assert.Equal(t, 1, reloaded.CompletedCount)
}

func TestRetryRequiresErroredState(t *testing.T) {
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)
	session, userIDs := newTestSession(t, svc, db, 1, nil)

	_, err := svc.RetryErrored(context.Background(), session.ID, userIDs[0])
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUnknownSessionAndOutsider(t *testing.T) {
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)
	session, _ := newTestSession(t, svc, db, 1, nil)
	ctx := context.Background()

	_, err := svc.StartRecording(ctx, "00000000-0000-0000-0000-000000000000", 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	outsider := model.User{Email: "outsider@test.local", PasswordHash: "x", Name: "Outsider"}
	require.NoError(t, db.Create(&outsider).Error)

	_, err = svc.StartRecording(ctx, session.ID, outsider.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = svc.GetSessionStatus(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCancelSession(t *testing.T) {
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)
	session, userIDs := newTestSession(t, svc, db, 2, nil)
	ctx := context.Background()

	cancelled, err := svc.CancelSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCancelled, cancelled.Status)

	// Cancelled sessions accept no further submissions.
	_, err = svc.StartRecording(ctx, session.ID, userIDs[0])
	assert.ErrorIs(t, err, ErrSessionNotActive)

	// And cancelling twice is rejected.
	_, err = svc.CancelSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	// No partial result is ever synthesized.
	_, err = svc.GetGroupResult(ctx, session.ID)
	assert.ErrorIs(t, err, ErrResultNotReady)
}

func TestCancelExpiredSessions(t *testing.T) {
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)

	past := time.Now().UTC().Add(-time.Hour)
	expired, _ := newTestSession(t, svc, db, 2, &past)

	future := time.Now().UTC().Add(time.Hour)
	active, _ := newTestSession(t, svc, db, 2, &future)

	count, err := svc.CancelExpiredSessions(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	var reloaded model.GroupSession
	require.NoError(t, db.First(&reloaded, "id = ?", expired.ID).Error)
	assert.Equal(t, model.SessionStatusCancelled, reloaded.Status)

	// A fresh dest is required: gorm treats the primary key left in a reused
	// struct as an extra query condition.
	var reloadedActive model.GroupSession
	require.NoError(t, db.First(&reloadedActive, "id = ?", active.ID).Error)
	assert.Equal(t, model.SessionStatusPending, reloadedActive.Status)
}

// fakeStatusCache is an in-memory stand-in for the redis-backed status cache.
type fakeStatusCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	sets    int
	deletes int
	lastTTL time.Duration
}

func newFakeStatusCache() *fakeStatusCache {
	return &fakeStatusCache{entries: make(map[string][]byte)}
}

func (f *fakeStatusCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.entries[key]
	if !ok {
		return errors.New("cache miss")
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeStatusCache) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = raw
	f.sets++
	f.lastTTL = expiration
	return nil
}

func (f *fakeStatusCache) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.entries, key)
	}
	f.deletes++
	return nil
}

func TestStatusCacheServesAndInvalidates(t *testing.T) {
	db := newTestDB(t)
	statusCache := newFakeStatusCache()
	svc := NewSessionService(db, &fakeGateway{}, statusCache)
	session, userIDs := newTestSession(t, svc, db, 2, nil)
	ctx := context.Background()

	first, err := svc.GetSessionStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, statusCache.sets)
	assert.Equal(t, statusCacheTTL, statusCache.lastTTL)

	// Mutate the row behind the cache's back: within the TTL the view must
	// come from the snapshot, not the database.
	require.NoError(t, db.Model(&model.GroupSession{}).Where("id = ?", session.ID).
		Update("completed_count", 1).Error)
	second, err := svc.GetSessionStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedCount, second.CompletedCount)
	assert.Equal(t, 1, statusCache.sets, "cached read must not re-store the snapshot")

	// A state-changing write invalidates, so the next poll sees fresh state.
	_, err = svc.StartRecording(ctx, session.ID, userIDs[0])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, statusCache.deletes, 1)

	view, err := svc.GetSessionStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.CompletedCount)
	statuses := make(map[string]bool)
	for _, p := range view.Participants {
		statuses[p.Status] = true
	}
	assert.True(t, statuses[model.ParticipationStatusRecording])
}

func TestCompletionWriteFailureMarksErrored(t *testing.T) {
	// A session cancelled while analysis is in flight fails the completion
	// write. The participation must land in errored, where the retry path
	// applies, instead of being wedged in analyzing forever.
	db := newTestDB(t)
	gateway := &fakeGateway{}
	svc := NewSessionService(db, gateway, nil)
	session, userIDs := newTestSession(t, svc, db, 2, nil)
	ctx := context.Background()

	gateway.fn = func(audio []byte, durationSeconds float64) (*inference.Result, error) {
		_, cancelErr := svc.CancelSession(ctx, session.ID)
		require.NoError(t, cancelErr)
		return &inference.Result{
			Emotions:   map[string]float64{"stress": 0.5},
			Confidence: 0.9,
		}, nil
	}

	_, err := svc.StartRecording(ctx, session.ID, userIDs[0])
	require.NoError(t, err)
	_, err = svc.SubmitParticipation(ctx, session.ID, userIDs[0], []byte("audio"), 10)
	assert.ErrorIs(t, err, ErrSessionNotActive)

	var p model.Participation
	require.NoError(t, db.Where("session_id = ? AND user_id = ?", session.ID, userIDs[0]).First(&p).Error)
	assert.Equal(t, model.ParticipationStatusErrored, p.Status)
	assert.Nil(t, p.CompletedAt)

	var reloaded model.GroupSession
	require.NoError(t, db.First(&reloaded, "id = ?", session.ID).Error)
	assert.Equal(t, model.SessionStatusCancelled, reloaded.Status)
	assert.Equal(t, 0, reloaded.CompletedCount)
	assert.Nil(t, reloaded.GroupResultID)
}

func TestLateCancelLosesToCompletion(t *testing.T) {
	// The sweeper may observe a session mid-completion; once the session is
	// completed, no cancel path, from any coordinator instance, may strip its
	// result.
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)
	past := time.Now().UTC().Add(-time.Hour)
	session, userIDs := newTestSession(t, svc, db, 1, &past)

	submitValid(t, svc, session.ID, userIDs[0])

	other := NewSessionService(db, nil, nil)
	_, err := other.CancelSession(context.Background(), session.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	count, err := other.CancelExpiredSessions(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, count)

	var reloaded model.GroupSession
	require.NoError(t, db.First(&reloaded, "id = ?", session.ID).Error)
	assert.Equal(t, model.SessionStatusCompleted, reloaded.Status)
	require.NotNil(t, reloaded.GroupResultID)
}

func TestCompletionBeyondFullSessionConflicts(t *testing.T) {
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)
	session, userIDs := newTestSession(t, svc, db, 1, nil)

	submitValid(t, svc, session.ID, userIDs[0])

	var full model.GroupSession
	require.NoError(t, db.First(&full, "id = ?", session.ID).Error)

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.onParticipantCompleted(tx, &full)
	})
	assert.ErrorIs(t, err, ErrAggregationConflict)
}

func TestCompletedSessionRejectsLateActivity(t *testing.T) {
	db := newTestDB(t)
	svc := NewSessionService(db, &fakeGateway{}, nil)
	session, userIDs := newTestSession(t, svc, db, 1, nil)

	submitValid(t, svc, session.ID, userIDs[0])

	_, err := svc.StartRecording(context.Background(), session.ID, userIDs[0])
	assert.ErrorIs(t, err, ErrSessionNotActive)

	_, err = svc.CancelSession(context.Background(), session.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}
