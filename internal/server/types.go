package server

import (
	"encoding/json"

	"rerhythm/internal/app"
)

type loginRequest struct {
	DeviceID string `json:"device_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	RepeatPassword string `json:"repeat_password"`
	DeviceID       string `json:"device_id"`
}

// userScopedRequest carries the optional user_id every user route accepts.
type userScopedRequest struct {
	UserID string `json:"user_id"`
}

type checkInRequest struct {
	UserID       string          `json:"user_id"`
	CheckInData  string          `json:"check_in_data"`
	WearableData json.RawMessage `json:"wearable_data"`
}

type wearableRequest struct {
	UserID       string          `json:"user_id"`
	WearableData json.RawMessage `json:"wearable_data"`
}

type journalCreateRequest struct {
	UserID             string `json:"user_id"`
	JournalDescription string `json:"journal_description"`
	ExpirationType     string `json:"expiration_type"`
}

type completeInterventionRequest struct {
	UserID         string          `json:"user_id"`
	InterventionID json.RawMessage `json:"intervention_id"`
}

type counselingStartRequest struct {
	UserID     string            `json:"user_id"`
	JournalIDs []json.RawMessage `json:"journal_ids"`
}

type followUpRequest struct {
	UserID         string          `json:"user_id"`
	ConversationID json.RawMessage `json:"conversation_id"`
	Message        string          `json:"message"`
}

type followUpResponse struct {
	Counseling string `json:"counseling"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type interventionListResponse struct {
	Count         int               `json:"count"`
	Interventions []app.LibraryItem `json:"interventions"`
}
