package store

import (
	"fmt"

	"github.com/ton-stars-service/internal/model"
)

// claimError explains why a claim could not be finished; nil when held.
func claimError(hash string, status model.TransactionStatus, held bool) error {
	switch {
	case held:
		return nil
	case status == model.TxStatusProcessed:
		return fmt.Errorf("%w: transaction %s is already processed", ErrInvalidTransition, hash)
	default:
		return fmt.Errorf("%w: claim on transaction %s was superseded", ErrLockNotAcquired, hash)
	}
}

// lockRecords are the history entries written when a row is claimed.
func lockRecords(hash string, prior *model.Transaction) []model.HistoryRecord {
	processing := model.TxStatusProcessing
	if prior == nil {
		return []model.HistoryRecord{
			model.NewHistoryRecord(hash, nil, processing, model.ActionCreated, "payment detected", nil),
			model.NewHistoryRecord(hash, nil, processing, model.ActionLocked, "claimed for processing", nil),
		}
	}

	prev := model.StatusPtr(prior.Status)
	if prior.Status == model.TxStatusProcessing {
		return []model.HistoryRecord{
			model.NewHistoryRecord(hash, prev, processing, model.ActionUnlocked, "stale lock released", map[string]any{
				"lockedSince": prior.UpdatedAt,
			}),
			model.NewHistoryRecord(hash, prev, processing, model.ActionLocked, "reclaimed for processing", nil),
		}
	}
	return []model.HistoryRecord{
		model.NewHistoryRecord(hash, prev, processing, model.ActionLocked, "retrying after failure", map[string]any{
			"previousError": prior.ErrorMessage,
		}),
	}
}

func processedRecord(hash string, o model.PurchaseOutcome) model.HistoryRecord {
	return model.NewHistoryRecord(hash, model.StatusPtr(model.TxStatusProcessing), model.TxStatusProcessed, model.ActionStarsSent, "stars purchased", map[string]any{
		"starsAmount":             o.StarsAmount,
		"fragmentTransactionHash": o.FragmentTransactionHash,
		"outgoingTransactionHash": o.OutgoingTransactionHash,
	})
}

func failedRecord(hash string, f model.Failure) model.HistoryRecord {
	data := map[string]any{
		"retryable": model.IsRetryableError(f.Message),
	}
	if f.OutgoingTransactionHash != "" {
		data["outgoingTransactionHash"] = f.OutgoingTransactionHash
	}
	return model.NewHistoryRecord(hash, model.StatusPtr(model.TxStatusProcessing), model.TxStatusFailed, model.ActionErrorOccurred, f.Message, data)
}

func saveRecord(t *model.Transaction, prev *model.TransactionStatus) model.HistoryRecord {
	if prev == nil {
		return model.NewHistoryRecord(t.Hash, nil, t.Status, model.ActionCreated, "saved", nil)
	}
	return model.NewHistoryRecord(t.Hash, prev, t.Status, model.ActionManualUpdate, "saved", nil)
}
