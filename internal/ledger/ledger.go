// Package ledger is the boundary to the accounts-receivable subsystem:
// open-invoice reads, customer defaults, period resolution, and payment
// document posting. The reconciliation core only sees these interfaces.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mkuria/bankrecon/internal/models"
)

// InvoiceReader lists a customer's open, released invoices ordered by due
// date then invoice id. Every call re-reads current balances; nothing is
// cached across allocation sessions.
type InvoiceReader interface {
	OpenInvoicesForCustomer(ctx context.Context, customerID int64) ([]models.InvoiceSnapshot, error)
}

// CustomerDefaults are the payment method and cash account preconfigured
// for a customer, looked up when an operator resolves the payer.
type CustomerDefaults struct {
	PaymentMethodID string
	CashAccountID   string
}

type CustomerDirectory interface {
	DefaultsForCustomer(ctx context.Context, customerID int64) (CustomerDefaults, error)
}

// PeriodResolver finds the financial period containing a date, preferring
// periods still open for AR posting.
type PeriodResolver interface {
	PeriodForDate(ctx context.Context, date time.Time) (string, error)
}

// ApplicationDraft is one payment-to-invoice application to post.
type ApplicationDraft struct {
	InvoiceID string
	Amount    decimal.Decimal
}

// PaymentDraft describes a payment document to create and post atomically.
// Either the whole document lands, with every application line, or nothing
// does.
type PaymentDraft struct {
	Actor           models.Actor
	CustomerID      int64
	BranchID        int64
	PaymentMethodID string
	CashAccountID   string
	CurrencyCode    string
	Amount          decimal.Decimal
	Date            time.Time
	PeriodID        string
	Description     string
	ExternalRef     string
	Applications    []ApplicationDraft
}

// CommittedPayment is the read view of a posted payment document.
type CommittedPayment struct {
	Reference       string               `json:"reference"`
	CustomerID      int64                `json:"customer_id"`
	BranchID        int64                `json:"branch_id"`
	PaymentMethodID string               `json:"payment_method_id"`
	CashAccountID   string               `json:"cash_account_id"`
	CurrencyCode    string               `json:"currency_code"`
	Amount          decimal.Decimal      `json:"amount"`
	Date            time.Time            `json:"date"`
	PeriodID        string               `json:"period_id"`
	Description     string               `json:"description,omitempty"`
	ExternalRef     string               `json:"external_ref,omitempty"`
	Applications    []PaymentApplication `json:"applications"`
}

type PaymentApplication struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type PaymentPoster interface {
	CreatePayment(ctx context.Context, draft PaymentDraft) (string, error)
	GetPayment(ctx context.Context, ref string) (*CommittedPayment, error)
}

// AdjustmentError reports that one application line could not be attached
// to the payment, e.g. a branch or customer mismatch. It fails the whole
// commit.
type AdjustmentError struct {
	InvoiceID string
	Reason    string
}

func (e *AdjustmentError) Error() string {
	return fmt.Sprintf("could not apply invoice %s: %s", e.InvoiceID, e.Reason)
}
