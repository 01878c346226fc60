package services

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Kenny010604/SERENVOICE-sub000/model"
)

// Wellbeing score weights over the averaged negative-affect dimensions.
// Emotion intensities are normalized to [0,1] by the inference gateway, so
// the score lands on a 0-100 scale where higher means better group affect.
const (
	wellbeingStressWeight  = 0.40
	wellbeingAnxietyWeight = 0.35
	wellbeingSadnessWeight = 0.25
)

// Negative-affect dimension names as emitted by the inference gateway.
const (
	EmotionStress  = "stress"
	EmotionAnxiety = "anxiety"
	EmotionSadness = "sadness"
)

// AggregateOutcome is the pure result of aggregating a session's completed
// participations.
type AggregateOutcome struct {
	Averages           map[string]float64 `json:"averages"`
	PredominantEmotion string             `json:"predominant_emotion"`
	WellbeingScore     float64            `json:"wellbeing_score"`
	ParticipantCount   int                `json:"participant_count"`
}

// Aggregate computes the group outcome from the completed participations of a
// session. It is a pure function: the same input set always yields identical
// output, independent of slice order. Ties for the predominant emotion break
// by ascending alphabetical order of the dimension name.
func Aggregate(participations []model.Participation) (*AggregateOutcome, error) {
	if len(participations) == 0 {
		return nil, fmt.Errorf("aggregate: %w", ErrNoParticipants)
	}

	// Sum in a deterministic order so float accumulation cannot vary between
	// runs over the same set.
	sorted := make([]model.Participation, len(participations))
	copy(sorted, participations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	sums := make(map[string]float64)
	for _, p := range sorted {
		if p.Status != model.ParticipationStatusCompleted {
			return nil, fmt.Errorf("aggregate: participation %s is %s, not completed: %w",
				p.ID, p.Status, ErrInvalidState)
		}

		var emotions map[string]float64
		if err := json.Unmarshal(p.Emotions, &emotions); err != nil {
			return nil, fmt.Errorf("aggregate: decode emotions of participation %s: %w", p.ID, err)
		}
		for dim, value := range emotions {
			sums[dim] += value
		}
	}

	count := len(sorted)
	averages := make(map[string]float64, len(sums))
	for dim, sum := range sums {
		averages[dim] = sum / float64(count)
	}

	return &AggregateOutcome{
		Averages:           averages,
		PredominantEmotion: predominantEmotion(averages),
		WellbeingScore:     WellbeingScore(averages),
		ParticipantCount:   count,
	}, nil
}

// predominantEmotion returns the dimension with the highest average,
// lexicographically smallest name first on ties.
func predominantEmotion(averages map[string]float64) string {
	dims := make([]string, 0, len(averages))
	for dim := range averages {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	best := ""
	bestValue := 0.0
	for _, dim := range dims {
		if best == "" || averages[dim] > bestValue {
			best = dim
			bestValue = averages[dim]
		}
	}
	return best
}

// WellbeingScore derives the 0-100 group wellbeing scalar from averaged
// negative-affect dimensions. Missing dimensions count as zero.
func WellbeingScore(averages map[string]float64) float64 {
	negative := wellbeingStressWeight*averages[EmotionStress] +
		wellbeingAnxietyWeight*averages[EmotionAnxiety] +
		wellbeingSadnessWeight*averages[EmotionSadness]

	score := 100 * (1 - negative)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
