package service

import (
	"context"
	"time"

	"github.com/mkuria/bankrecon/internal/events"
	"github.com/mkuria/bankrecon/internal/ledger"
	"github.com/mkuria/bankrecon/internal/models"
)

// BatchProcessor commits many staged transactions unattended, with shared
// posting parameters and per-item failure isolation.
type BatchProcessor struct {
	stage     StageStore
	poster    ledger.PaymentPoster
	publisher events.Publisher
}

func NewBatchProcessor(stage StageStore, poster ledger.PaymentPoster, publisher events.Publisher) *BatchProcessor {
	return &BatchProcessor{stage: stage, poster: poster, publisher: publisher}
}

// ProcessBatch creates one payment per transaction using the shared filter
// parameters. Each item is isolated: a failure marks that transaction Error
// and moves on. The result reports per-item outcomes plus an overall
// partial-failure flag; this is best-effort-all, never all-or-nothing.
func (b *BatchProcessor) ProcessBatch(ctx context.Context, actor models.Actor, filter models.BatchFilter, txns []*models.StagedTransaction) (models.BatchResult, error) {
	if !filter.Complete() {
		return models.BatchResult{}, ErrMissingFilterParams
	}

	result := models.BatchResult{Items: make([]models.BatchItemResult, 0, len(txns))}
	for _, txn := range txns {
		item := b.processOne(ctx, actor, filter, txn)
		if !item.Succeeded() {
			result.PartialFailure = true
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func (b *BatchProcessor) processOne(ctx context.Context, actor models.Actor, filter models.BatchFilter, txn *models.StagedTransaction) models.BatchItemResult {
	item := models.BatchItemResult{TransactionID: txn.TransactionID}

	fail := func(err error) models.BatchItemResult {
		msg := joinErrorChain(err)
		if markErr := b.stage.MarkError(ctx, txn.TransactionID, msg); markErr == nil {
			txn.Status = models.StatusError
			txn.ErrorMessage = msg
		}
		b.stage.AuditLog(ctx, models.AuditEntry{
			TransactionID: txn.TransactionID,
			Level:         models.AuditError,
			Message:       "batch payment creation failed",
			Detail:        msg,
			ActorID:       actor.ID,
			At:            time.Now().UTC(),
		})
		item.Error = msg
		return item
	}

	if txn.Status != models.StatusNew && txn.Status != models.StatusError {
		item.Error = ErrAlreadyProcessed.Error()
		return item
	}
	if txn.CustomerID == nil {
		return fail(ErrCustomerRequired)
	}
	if !txn.Amount.IsPositive() {
		return fail(ErrAmountInvalid)
	}

	draft := ledger.PaymentDraft{
		Actor:           actor,
		CustomerID:      *txn.CustomerID,
		BranchID:        actor.BranchID,
		PaymentMethodID: filter.PaymentMethodID,
		CashAccountID:   filter.CashAccountID,
		CurrencyCode:    filter.CurrencyCode,
		Amount:          txn.Amount,
		Date:            filter.Date,
		PeriodID:        filter.PeriodID,
		Description:     "Bank payment " + txn.TransactionID,
		ExternalRef:     txn.TransactionID,
	}
	// A referenced invoice gets the whole amount; otherwise the payment
	// posts unapplied for later manual application.
	if txn.InvoiceReference != "" {
		draft.Applications = []ledger.ApplicationDraft{{
			InvoiceID: txn.InvoiceReference,
			Amount:    txn.Amount,
		}}
	}

	ref, err := b.poster.CreatePayment(ctx, draft)
	if err != nil {
		return fail(err)
	}

	if err := b.stage.MarkProcessed(ctx, txn.TransactionID, ref); err != nil {
		return fail(err)
	}
	txn.Status = models.StatusProcessed
	txn.PaymentReference = ref

	b.publisher.Publish(events.SubjectProcessed, events.ProcessedEvent{
		TransactionID:    txn.TransactionID,
		PaymentReference: ref,
	})
	item.PaymentReference = ref
	return item
}
