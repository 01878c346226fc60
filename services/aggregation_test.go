package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kenny010604/SERENVOICE-sub000/model"
)

func completedParticipation(t *testing.T, id string, emotions map[string]float64) model.Participation {
	t.Helper()
	raw, err := json.Marshal(emotions)
	require.NoError(t, err)
	return model.Participation{
		ID:       id,
		Status:   model.ParticipationStatusCompleted,
		Emotions: raw,
	}
}

func TestAggregateComputesMeans(t *testing.T) {
	participations := []model.Participation{
		completedParticipation(t, "a", map[string]float64{"happiness": 0.8, "stress": 0.2}),
		completedParticipation(t, "b", map[string]float64{"happiness": 0.4, "stress": 0.6}),
	}

	outcome, err := Aggregate(participations)
	require.NoError(t, err)

	assert.InDelta(t, 0.6, outcome.Averages["happiness"], 1e-9)
	assert.InDelta(t, 0.4, outcome.Averages["stress"], 1e-9)
	assert.Equal(t, "happiness", outcome.PredominantEmotion)
	assert.Equal(t, 2, outcome.ParticipantCount)
}

func TestAggregateIsDeterministic(t *testing.T) {
	participations := []model.Participation{
		completedParticipation(t, "p1", map[string]float64{"anxiety": 0.31, "sadness": 0.17, "stress": 0.42}),
		completedParticipation(t, "p2", map[string]float64{"anxiety": 0.11, "sadness": 0.57, "stress": 0.23}),
		completedParticipation(t, "p3", map[string]float64{"anxiety": 0.93, "sadness": 0.02, "stress": 0.68}),
	}

	first, err := Aggregate(participations)
	require.NoError(t, err)

	// Same set, different slice order: output must be bit-identical.
	reordered := []model.Participation{participations[2], participations[0], participations[1]}
	second, err := Aggregate(reordered)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAggregateTieBreaksAlphabetically(t *testing.T) {
	participations := []model.Participation{
		completedParticipation(t, "a", map[string]float64{"sadness": 0.5, "anger": 0.5, "neutral": 0.5}),
	}

	outcome, err := Aggregate(participations)
	require.NoError(t, err)

	assert.Equal(t, "anger", outcome.PredominantEmotion)
}

func TestAggregateRejectsEmptySet(t *testing.T) {
	_, err := Aggregate(nil)
	assert.ErrorIs(t, err, ErrNoParticipants)
}

func TestAggregateRejectsIncompleteParticipation(t *testing.T) {
	p := completedParticipation(t, "a", map[string]float64{"stress": 0.1})
	p.Status = model.ParticipationStatusAnalyzing

	_, err := Aggregate([]model.Participation{p})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestWellbeingScore(t *testing.T) {
	// All negative affect at zero: perfect score.
	assert.InDelta(t, 100.0, WellbeingScore(map[string]float64{"happiness": 1.0}), 1e-9)

	// Full negative affect: floor.
	assert.InDelta(t, 0.0, WellbeingScore(map[string]float64{
		EmotionStress: 1.0, EmotionAnxiety: 1.0, EmotionSadness: 1.0,
	}), 1e-9)

	// Weighted combination: 0.4*0.5 + 0.35*0.2 + 0.25*0.4 = 0.37.
	score := WellbeingScore(map[string]float64{
		EmotionStress: 0.5, EmotionAnxiety: 0.2, EmotionSadness: 0.4,
	})
	assert.InDelta(t, 63.0, score, 1e-9)
}
