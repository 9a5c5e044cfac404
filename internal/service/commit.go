package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkuria/bankrecon/internal/events"
	"github.com/mkuria/bankrecon/internal/ledger"
	"github.com/mkuria/bankrecon/internal/models"
)

const maxErrorMessageLen = 500

// Committer turns a validated allocation session into a posted payment
// document and records the outcome on the staged transaction.
type Committer struct {
	stage     StageStore
	poster    ledger.PaymentPoster
	publisher events.Publisher
}

func NewCommitter(stage StageStore, poster ledger.PaymentPoster, publisher events.Publisher) *Committer {
	return &Committer{stage: stage, poster: poster, publisher: publisher}
}

// Commit validates preconditions, posts a payment with one application per
// funded line, and flips the stage record to Processed. On any posting
// failure the document is rolled back, the stage record is flipped to Error
// with the joined cause chain, and the error is returned for the caller to
// react to. Success is plain data, not a control-flow signal.
func (c *Committer) Commit(ctx context.Context, actor models.Actor, sess *Session) (models.CommitResult, error) {
	txn := sess.Transaction()

	if txn.Status != models.StatusNew && txn.Status != models.StatusError {
		return models.CommitResult{}, fmt.Errorf("%w: %s", ErrAlreadyProcessed, txn.TransactionID)
	}
	if err := validatePreconditions(txn); err != nil {
		return models.CommitResult{}, err
	}

	branchID, ok := sess.FirstFundedBranch()
	if !ok {
		branchID = actor.BranchID
	}

	date := time.Now().UTC()
	if txn.AdjustmentDate != nil {
		date = *txn.AdjustmentDate
	}

	draft := ledger.PaymentDraft{
		Actor:           actor,
		CustomerID:      *txn.CustomerID,
		BranchID:        branchID,
		PaymentMethodID: txn.PaymentMethodID,
		CashAccountID:   txn.CashAccountID,
		CurrencyCode:    txn.CurrencyCode,
		Amount:          txn.Amount,
		Date:            date,
		PeriodID:        txn.PeriodID,
		Description:     txn.PaymentDetails,
		ExternalRef:     txn.TransactionID,
		Applications:    sess.FundedApplications(),
	}

	ref, err := c.poster.CreatePayment(ctx, draft)
	if err != nil {
		msg := joinErrorChain(err)
		if markErr := c.stage.MarkError(ctx, txn.TransactionID, msg); markErr == nil {
			txn.Status = models.StatusError
			txn.ErrorMessage = msg
		}
		c.stage.AuditLog(ctx, models.AuditEntry{
			TransactionID: txn.TransactionID,
			Level:         models.AuditError,
			Message:       "payment creation failed",
			Detail:        msg,
			ActorID:       actor.ID,
			At:            time.Now().UTC(),
		})
		return models.CommitResult{}, fmt.Errorf("%w: %s", ErrCommitFailed, msg)
	}

	if err := c.stage.MarkProcessed(ctx, txn.TransactionID, ref); err != nil {
		return models.CommitResult{}, fmt.Errorf("payment %s posted but stage update failed: %w", ref, err)
	}
	txn.Status = models.StatusProcessed
	txn.PaymentReference = ref
	txn.ErrorMessage = ""

	c.stage.AuditLog(ctx, models.AuditEntry{
		TransactionID: txn.TransactionID,
		Level:         models.AuditSuccess,
		Message:       fmt.Sprintf("payment %s created", ref),
		ActorID:       actor.ID,
		At:            time.Now().UTC(),
	})
	c.publisher.Publish(events.SubjectProcessed, events.ProcessedEvent{
		TransactionID:    txn.TransactionID,
		PaymentReference: ref,
	})

	return models.CommitResult{PaymentReference: ref}, nil
}

func validatePreconditions(txn *models.StagedTransaction) error {
	if txn.CustomerID == nil {
		return ErrCustomerRequired
	}
	if !txn.Amount.IsPositive() {
		return ErrAmountInvalid
	}
	if txn.PaymentMethodID == "" {
		return ErrPaymentMethodRequired
	}
	if txn.CashAccountID == "" {
		return ErrCashAccountRequired
	}
	if txn.PeriodID == "" {
		return ErrPeriodRequired
	}
	return nil
}

// joinErrorChain flattens an error chain into distinct messages joined by
// " | ", capped at 500 characters for the stage record's error column.
func joinErrorChain(err error) string {
	var parts []string
	seen := make(map[string]bool)
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		msg := cur.Error()
		if msg != "" && !seen[msg] {
			seen[msg] = true
			parts = append(parts, msg)
		}
	}

	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += " | "
		}
		joined += p
	}
	if len(joined) > maxErrorMessageLen {
		joined = joined[:maxErrorMessageLen]
	}
	return joined
}
