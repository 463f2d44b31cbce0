package syncq

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/tathmini/tathmini/core"
)

type (
	// PendingMutation is one durably queued mutation. Its payload is a
	// tagged union over Kind; the typed accessors below decode it.
	// A mutation is never deleted on failure, only flipped to synced on
	// confirmed success, preserving an audit trail.
	PendingMutation struct {
		ID        string          `json:"id"`
		Kind      core.Kind       `json:"kind"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
		UserID    string          `json:"user_id"`
		Synced    bool            `json:"synced"`
		SyncedAt  null.Time       `json:"synced_at,omitempty"`
	}

	// SubmissionAnswer mirrors one captured answer inside a submission
	// payload.
	SubmissionAnswer struct {
		QuestionID  string    `json:"question_id" validate:"required"`
		Value       string    `json:"value"`
		TimeSpentMs int64     `json:"time_spent_ms"`
		AnsweredAt  time.Time `json:"answered_at"`
	}

	DeviceInfo struct {
		Platform string `json:"platform"`
		AppBuild string `json:"app_build"`
	}

	// SubmissionPayload carries a full session snapshot; Final is false for
	// autosave progress captures and true for the terminal submission.
	SubmissionPayload struct {
		SessionID         string             `json:"session_id" validate:"required"`
		TestID            string             `json:"test_id" validate:"required"`
		Answers           []SubmissionAnswer `json:"answers"`
		TotalTimeSpentSec int                `json:"total_time_spent_sec"`
		Final             bool               `json:"final"`
		Device            DeviceInfo         `json:"device"`
	}

	ProfilePayload struct {
		ProfileID string                 `json:"profile_id" validate:"required"`
		Fields    map[string]interface{} `json:"fields" validate:"required"`
		UpdatedAt time.Time              `json:"updated_at"`
	}

	ResultRefreshPayload struct {
		TestID      string    `json:"test_id" validate:"required"`
		RequestedAt time.Time `json:"requested_at"`
	}
)

func (m PendingMutation) Submission() (SubmissionPayload, error) {
	if m.Kind != core.KindTestSubmission {
		return SubmissionPayload{}, errors.Errorf("mutation %s is a %s, not a test submission", m.ID, m.Kind)
	}
	var p SubmissionPayload
	err := json.Unmarshal(m.Payload, &p)
	return p, errors.Wrap(err, "decoding submission payload")
}

func (m PendingMutation) Profile() (ProfilePayload, error) {
	if m.Kind != core.KindProfileUpdate {
		return ProfilePayload{}, errors.Errorf("mutation %s is a %s, not a profile update", m.ID, m.Kind)
	}
	var p ProfilePayload
	err := json.Unmarshal(m.Payload, &p)
	return p, errors.Wrap(err, "decoding profile payload")
}

func (m PendingMutation) ResultRefresh() (ResultRefreshPayload, error) {
	if m.Kind != core.KindResultRefresh {
		return ResultRefreshPayload{}, errors.Errorf("mutation %s is a %s, not a result refresh", m.ID, m.Kind)
	}
	var p ResultRefreshPayload
	err := json.Unmarshal(m.Payload, &p)
	return p, errors.Wrap(err, "decoding result refresh payload")
}

// payloadMap decodes the payload into the generic form the conflict
// resolver works on.
func (m PendingMutation) payloadMap() (map[string]interface{}, error) {
	var data map[string]interface{}
	err := json.Unmarshal(m.Payload, &data)
	return data, errors.Wrap(err, "decoding mutation payload")
}
