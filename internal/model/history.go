package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type HistoryAction string

const (
	ActionCreated       HistoryAction = "created"
	ActionStatusChanged HistoryAction = "status_changed"
	ActionLocked        HistoryAction = "locked"
	ActionUnlocked      HistoryAction = "unlocked"
	ActionStarsSent     HistoryAction = "stars_sent"
	ActionErrorOccurred HistoryAction = "error_occurred"
	ActionManualUpdate  HistoryAction = "manual_update"
)

// HistoryRecord is an append-only audit entry for a ledger transaction.
type HistoryRecord struct {
	ID              uuid.UUID          `json:"id"`
	TransactionHash string             `json:"transaction_hash"`
	PreviousStatus  *TransactionStatus `json:"previous_status"`
	NewStatus       TransactionStatus  `json:"new_status"`
	Action          HistoryAction      `json:"action"`
	Data            json.RawMessage    `json:"data,omitempty"`
	Message         string             `json:"message,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// NewHistoryRecord builds a record with a fresh ID. data may be nil.
func NewHistoryRecord(hash string, prev *TransactionStatus, next TransactionStatus, action HistoryAction, message string, data any) HistoryRecord {
	rec := HistoryRecord{
		ID:              uuid.New(),
		TransactionHash: hash,
		PreviousStatus:  prev,
		NewStatus:       next,
		Action:          action,
		Message:         message,
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			rec.Data = raw
		}
	}
	return rec
}

// StatusPtr is a helper for optional previous statuses.
func StatusPtr(s TransactionStatus) *TransactionStatus {
	return &s
}
