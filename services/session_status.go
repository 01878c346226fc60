package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Kenny010604/SERENVOICE-sub000/model"
)

// SessionStatusView is the polled read model clients use to observe other
// participants' progress and to detect the completed transition. Clients are
// expected to poll at PollIntervalSeconds and to suspend polling while their
// own participation is recording or analyzing.
type SessionStatusView struct {
	SessionID           string                  `json:"session_id"`
	Status              string                  `json:"status"`
	CompletedCount      int                     `json:"completed_count"`
	TotalParticipants   int                     `json:"total_participants"`
	PercentComplete     float64                 `json:"percent_complete"`
	PollIntervalSeconds int                     `json:"poll_interval_seconds"`
	Deadline            *time.Time              `json:"deadline,omitempty"`
	Participants        []ParticipantStatusView `json:"participants"`
	GroupResult         *GroupResultView        `json:"group_result,omitempty"`
}

// ParticipantStatusView is one participant's slice of the session status.
type ParticipantStatusView struct {
	UserID      uint       `json:"user_id"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GroupResultView is the aggregated result read model.
type GroupResultView struct {
	SessionID          string             `json:"session_id"`
	Averages           map[string]float64 `json:"averages"`
	PredominantEmotion string             `json:"predominant_emotion"`
	WellbeingScore     float64            `json:"wellbeing_score"`
	ParticipantCount   int                `json:"participant_count"`
	CreatedAt          time.Time          `json:"created_at"`
}

func buildStatusView(session *model.GroupSession) (*SessionStatusView, error) {
	participants := make([]ParticipantStatusView, 0, len(session.Participations))
	for i := range session.Participations {
		p := &session.Participations[i]
		participants = append(participants, ParticipantStatusView{
			UserID:      p.UserID,
			Status:      p.Status,
			CompletedAt: p.CompletedAt,
		})
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].UserID < participants[j].UserID
	})

	view := &SessionStatusView{
		SessionID:           session.ID,
		Status:              session.Status,
		CompletedCount:      session.CompletedCount,
		TotalParticipants:   session.TotalParticipants,
		PercentComplete:     session.PercentComplete(),
		PollIntervalSeconds: DefaultPollIntervalSeconds,
		Deadline:            session.Deadline,
		Participants:        participants,
	}

	if session.Status == model.SessionStatusCompleted && session.GroupResult != nil {
		resultView, err := buildGroupResultView(session.GroupResult)
		if err != nil {
			return nil, err
		}
		view.GroupResult = resultView
	}
	return view, nil
}

func buildGroupResultView(result *model.GroupResult) (*GroupResultView, error) {
	var averages map[string]float64
	if err := json.Unmarshal(result.Averages, &averages); err != nil {
		return nil, fmt.Errorf("failed to decode group result averages: %w", err)
	}
	return &GroupResultView{
		SessionID:          result.SessionID,
		Averages:           averages,
		PredominantEmotion: result.PredominantEmotion,
		WellbeingScore:     result.WellbeingScore,
		ParticipantCount:   result.ParticipantCount,
		CreatedAt:          result.CreatedAt,
	}, nil
}
