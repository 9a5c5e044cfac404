package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxnStatus is the reconciliation lifecycle state of a staged transaction.
type TxnStatus string

const (
	StatusNew       TxnStatus = "New"
	StatusProcessed TxnStatus = "Processed"
	StatusError     TxnStatus = "Error"
)

// CanTransition reports whether a status change is allowed. Processed is
// terminal; an errored transaction may be retried.
func (s TxnStatus) CanTransition(to TxnStatus) bool {
	switch s {
	case StatusNew:
		return to == StatusProcessed || to == StatusError
	case StatusError:
		return to == StatusProcessed || to == StatusError
	default:
		return false
	}
}

// StagedTransaction is the durable record of one inbound payment
// notification. TransactionID is provider-assigned and immutable; it is the
// dedup key for webhook deliveries.
type StagedTransaction struct {
	TransactionID   string          `json:"transaction_id"`
	TransactionType string          `json:"transaction_type"`
	OccurredAt      string          `json:"occurred_at"`
	Amount          decimal.Decimal `json:"amount"`
	CurrencyCode    string          `json:"currency_code"`
	PayerPhone      string          `json:"payer_phone"`
	BillReference   string          `json:"bill_reference"`
	RawPayload      string          `json:"-"`
	SecureHash      string          `json:"-"`

	// Reconciliation fields, set by an operator or the batch processor.
	CustomerID       *int64     `json:"customer_id,omitempty"`
	InvoiceReference string     `json:"invoice_reference,omitempty"`
	PaymentMethodID  string     `json:"payment_method_id,omitempty"`
	CashAccountID    string     `json:"cash_account_id,omitempty"`
	AdjustmentDate   *time.Time `json:"adjustment_date,omitempty"`
	PeriodID         string     `json:"period_id,omitempty"`
	PaymentDetails   string     `json:"payment_details,omitempty"`

	Status           TxnStatus `json:"status"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Session totals, recomputed on every allocation change. Never persisted.
	TotalApplied decimal.Decimal `json:"total_applied"`
	Unallocated  decimal.Decimal `json:"unallocated"`
}

// ReconFieldUpdate carries operator-editable reconciliation fields. Nil
// pointers leave the stored value untouched.
type ReconFieldUpdate struct {
	CustomerID       *int64
	InvoiceReference *string
	PaymentMethodID  *string
	CashAccountID    *string
	AdjustmentDate   *time.Time
	PeriodID         *string
	PaymentDetails   *string
}

// InvoiceSnapshot is a read projection of one open invoice at allocation
// time. It is re-fetched per session and never stored by this service.
type InvoiceSnapshot struct {
	InvoiceID          string          `json:"invoice_id"`
	InvoiceNumber      string          `json:"invoice_number"`
	CustomerID         int64           `json:"customer_id"`
	BranchID           int64           `json:"branch_id"`
	Description        string          `json:"description,omitempty"`
	DocDate            time.Time       `json:"doc_date"`
	DueDate            time.Time       `json:"due_date"`
	CurrencyCode       string          `json:"currency_code"`
	OriginalAmount     decimal.Decimal `json:"original_amount"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
}

// FillStatus describes how much of an invoice an allocation line covers.
type FillStatus string

const (
	FillNone    FillStatus = "None"
	FillPartial FillStatus = "Partial"
	FillFull    FillStatus = "Full"
)

// FillFor derives the fill status from an applied amount and the invoice
// balance it is applied against.
func FillFor(applied, balance decimal.Decimal) FillStatus {
	switch {
	case applied.IsPositive() && applied.GreaterThanOrEqual(balance):
		return FillFull
	case applied.IsPositive():
		return FillPartial
	default:
		return FillNone
	}
}

// AllocationLine is one proposed application of payment funds to an invoice.
// Lines live only inside an allocation session and are discarded on commit.
type AllocationLine struct {
	InvoiceID          string          `json:"invoice_id"`
	InvoiceNumber      string          `json:"invoice_number"`
	BranchID           int64           `json:"branch_id"`
	DueDate            time.Time       `json:"due_date"`
	CurrencyCode       string          `json:"currency_code"`
	OriginalAmount     decimal.Decimal `json:"original_amount"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	Selected           bool            `json:"selected"`
	AppliedAmount      decimal.Decimal `json:"applied_amount"`
	RemainingBalance   decimal.Decimal `json:"remaining_balance"`
	FillStatus         FillStatus      `json:"fill_status"`
}

// Actor is the explicit acting principal for an operation. It replaces any
// ambient login state: every ingest, commit, and batch call receives one.
type Actor struct {
	ID       string `json:"id"`
	BranchID int64  `json:"branch_id"`
}

// AuditEntry is one append-only audit log row. The sink is write-only from
// the core's perspective.
type AuditEntry struct {
	TransactionID string    `json:"transaction_id"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	Detail        string    `json:"detail,omitempty"`
	ActorID       string    `json:"actor_id,omitempty"`
	At            time.Time `json:"at"`
}

// Audit levels.
const (
	AuditInfo    = "INFO"
	AuditWarn    = "WARN"
	AuditSuccess = "SUCCESS"
	AuditError   = "ERROR"
)

// IngestOutcome distinguishes a fresh insert from a duplicate delivery.
type IngestOutcome string

const (
	OutcomeCreated   IngestOutcome = "created"
	OutcomeDuplicate IngestOutcome = "duplicate"
)

// IngestResult is returned by a successful webhook ingest. AmountParsed is
// false when the provider amount string could not be parsed and the
// transaction was staged with a zero amount.
type IngestResult struct {
	Outcome       IngestOutcome `json:"outcome"`
	TransactionID string        `json:"transaction_id"`
	AmountParsed  bool          `json:"amount_parsed"`
}

// CommitResult is the success value of a payment commit.
type CommitResult struct {
	PaymentReference string `json:"payment_reference"`
}

// BatchFilter supplies the posting parameters shared by every item in a
// batch run.
type BatchFilter struct {
	PaymentMethodID string    `json:"payment_method_id"`
	CashAccountID   string    `json:"cash_account_id"`
	CurrencyCode    string    `json:"currency_code"`
	Date            time.Time `json:"date"`
	PeriodID        string    `json:"period_id"`
}

// Complete reports whether every required filter parameter is present.
func (f BatchFilter) Complete() bool {
	return f.PaymentMethodID != "" && f.CashAccountID != "" &&
		f.CurrencyCode != "" && f.PeriodID != "" && !f.Date.IsZero()
}

// BatchItemResult records the outcome of one transaction in a batch run.
type BatchItemResult struct {
	TransactionID    string `json:"transaction_id"`
	PaymentReference string `json:"payment_reference,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Succeeded reports whether the item produced a payment.
func (r BatchItemResult) Succeeded() bool { return r.Error == "" }

// BatchResult is the best-effort-all outcome of a batch run: per-item
// results plus an overall partial-failure flag.
type BatchResult struct {
	Items          []BatchItemResult `json:"items"`
	PartialFailure bool              `json:"partial_failure"`
}
