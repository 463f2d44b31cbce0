package session

import (
	"time"

	"github.com/tathmini/tathmini/core/syncq"
)

// State is the lifecycle position of one test attempt.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateActive        State = "active"
	StatePaused        State = "paused"
	StateSubmitting    State = "submitting"
	StateCompleted     State = "completed"
	StateExpired       State = "expired"
)

type (
	// Answer is one captured answer. A snapshot holds at most one Answer
	// per QuestionID; a later capture replaces the earlier one.
	Answer struct {
		QuestionID  string    `json:"question_id" validate:"required"`
		Value       string    `json:"value" validate:"required"`
		TimeSpentMs int64     `json:"time_spent_ms" validate:"gte=0"`
		AnsweredAt  time.Time `json:"answered_at"`
	}

	// Snapshot is the complete state of one test-taking session at a point
	// in time. StartedAt is kept so elapsed time can be recomputed from the
	// original start instant instead of trusting a stored duration.
	Snapshot struct {
		SessionID            string    `json:"session_id"`
		TestID               string    `json:"test_id"`
		UserID               string    `json:"user_id"`
		CurrentQuestionIndex int       `json:"current_question_index"`
		Answers              []Answer  `json:"answers"`
		TotalTimeSpentSec    int       `json:"total_time_spent_sec"`
		StartedAt            time.Time `json:"started_at"`
		LastActivityAt       time.Time `json:"last_activity_at"`
		ExpiresAt            time.Time `json:"expires_at"`
		Completed            bool      `json:"completed"`
	}
)

// storeKey identifies the durable snapshot for (user, test); one live
// attempt per pair.
func storeKey(userID, testID string) string {
	return userID + "|" + testID
}

// SubmissionAnswers converts captured answers to the sync-queue payload form.
func (s Snapshot) SubmissionAnswers() []syncq.SubmissionAnswer {
	answers := make([]syncq.SubmissionAnswer, 0, len(s.Answers))
	for _, a := range s.Answers {
		answers = append(answers, syncq.SubmissionAnswer{
			QuestionID:  a.QuestionID,
			Value:       a.Value,
			TimeSpentMs: a.TimeSpentMs,
			AnsweredAt:  a.AnsweredAt,
		})
	}
	return answers
}

// SubmissionPayload shapes the snapshot as a sync-queue mutation payload.
func (s Snapshot) SubmissionPayload(final bool, device syncq.DeviceInfo) syncq.SubmissionPayload {
	return syncq.SubmissionPayload{
		SessionID:         s.SessionID,
		TestID:            s.TestID,
		Answers:           s.SubmissionAnswers(),
		TotalTimeSpentSec: s.TotalTimeSpentSec,
		Final:             final,
		Device:            device,
	}
}
