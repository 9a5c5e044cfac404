package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mkuria/bankrecon/internal/events"
	"github.com/mkuria/bankrecon/internal/models"
)

// StageStore is the durable home of staged transactions plus the
// append-only audit sink. AuditLog must swallow its own failures.
type StageStore interface {
	InsertStaged(ctx context.Context, txn *models.StagedTransaction) (created bool, err error)
	Get(ctx context.Context, transID string) (*models.StagedTransaction, error)
	ListByStatus(ctx context.Context, status models.TxnStatus) ([]*models.StagedTransaction, error)
	UpdateReconFields(ctx context.Context, transID string, upd models.ReconFieldUpdate) error
	MarkProcessed(ctx context.Context, transID, paymentRef string) error
	MarkError(ctx context.Context, transID, errMsg string) error
	AuditLog(ctx context.Context, entry models.AuditEntry)
}

// Ingestor stages inbound payment notifications.
type Ingestor struct {
	stage           StageStore
	publisher       events.Publisher
	defaultCurrency string
	secret          []byte
}

func NewIngestor(stage StageStore, publisher events.Publisher, defaultCurrency, webhookSecret string) *Ingestor {
	var secret []byte
	if webhookSecret != "" {
		secret = []byte(webhookSecret)
	}
	return &Ingestor{
		stage:           stage,
		publisher:       publisher,
		defaultCurrency: defaultCurrency,
		secret:          secret,
	}
}

// Ingest parses and stages one webhook delivery. The insert is idempotent
// on the provider transaction id: a repeated delivery is a logged no-op
// reported as OutcomeDuplicate, never an error.
func (ing *Ingestor) Ingest(ctx context.Context, actor models.Actor, body []byte) (models.IngestResult, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		ing.audit(ctx, actor, "SYSTEM", models.AuditError, "empty webhook body received", "")
		return models.IngestResult{}, ErrMalformedPayload
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		ing.audit(ctx, actor, "SYSTEM", models.AuditError, "webhook body could not be parsed", err.Error())
		return models.IngestResult{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if payload.TransID == "" {
		ing.audit(ctx, actor, "SYSTEM", models.AuditError, "webhook payload missing TransID", "")
		return models.IngestResult{}, ErrMissingCorrelationId
	}

	if len(ing.secret) > 0 && !ing.verifySignature(payload) {
		ing.audit(ctx, actor, payload.TransID, models.AuditError, "secure hash mismatch", "")
		return models.IngestResult{}, ErrInvalidSignature
	}

	amount, currency, parsed := ParseAmount(payload.TransAmount, ing.defaultCurrency)

	txn := &models.StagedTransaction{
		TransactionID:   payload.TransID,
		TransactionType: payload.TransactionType,
		OccurredAt:      payload.TransTime,
		Amount:          amount,
		CurrencyCode:    currency,
		PayerPhone:      payload.MSISDN,
		BillReference:   payload.BillRefNumber,
		RawPayload:      string(body),
		SecureHash:      payload.SecureHash,
		Status:          models.StatusNew,
	}

	created, err := ing.stage.InsertStaged(ctx, txn)
	if err != nil {
		ing.audit(ctx, actor, payload.TransID, models.AuditError, "failed to stage transaction", err.Error())
		return models.IngestResult{}, fmt.Errorf("staging %s: %w", payload.TransID, err)
	}

	if !created {
		ing.audit(ctx, actor, payload.TransID, models.AuditInfo,
			fmt.Sprintf("duplicate delivery of %s ignored", payload.TransID), "")
		return models.IngestResult{
			Outcome:       models.OutcomeDuplicate,
			TransactionID: payload.TransID,
			AmountParsed:  parsed,
		}, nil
	}

	if !parsed {
		ing.audit(ctx, actor, payload.TransID, models.AuditWarn,
			fmt.Sprintf("amount %q unparsable, staged as zero", payload.TransAmount), "")
	}
	ing.audit(ctx, actor, payload.TransID, models.AuditSuccess,
		fmt.Sprintf("captured payment for %s", payload.BillRefNumber), "")

	ing.publisher.Publish(events.SubjectStaged, events.StagedEvent{
		TransactionID: txn.TransactionID,
		Amount:        txn.Amount,
		CurrencyCode:  txn.CurrencyCode,
		BillReference: txn.BillReference,
	})

	return models.IngestResult{
		Outcome:       models.OutcomeCreated,
		TransactionID: payload.TransID,
		AmountParsed:  parsed,
	}, nil
}

// verifySignature checks the provider's SecureHash as an HMAC-SHA256 over
// the identifying payload fields. The provider never documented an
// algorithm; this is the convention chosen when a shared secret is
// configured.
func (ing *Ingestor) verifySignature(p models.WebhookPayload) bool {
	mac := hmac.New(sha256.New, ing.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%s", p.TransID, p.TransAmount, p.BillRefNumber, p.MSISDN)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(p.SecureHash)))
}

func (ing *Ingestor) audit(ctx context.Context, actor models.Actor, transID, level, msg, detail string) {
	ing.stage.AuditLog(ctx, models.AuditEntry{
		TransactionID: transID,
		Level:         level,
		Message:       msg,
		Detail:        detail,
		ActorID:       actor.ID,
		At:            time.Now().UTC(),
	})
}

// ParseAmount parses a provider amount string, either "<CUR> <amount>" or a
// bare decimal. Thousands separators are stripped. An unparsable amount
// yields zero with ok=false; the record is still staged so the notification
// is not lost, but it can never pass the commit amount check.
func ParseAmount(raw, defaultCurrency string) (amount decimal.Decimal, currency string, ok bool) {
	currency = defaultCurrency
	parts := strings.Fields(raw)

	var numeric string
	switch len(parts) {
	case 0:
		return decimal.Zero, currency, false
	case 1:
		numeric = parts[0]
	default:
		currency = parts[0]
		numeric = parts[1]
	}

	amount, err := decimal.NewFromString(strings.ReplaceAll(numeric, ",", ""))
	if err != nil {
		return decimal.Zero, currency, false
	}
	return amount, currency, true
}
