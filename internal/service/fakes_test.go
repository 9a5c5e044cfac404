package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mkuria/bankrecon/internal/ledger"
	"github.com/mkuria/bankrecon/internal/models"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(dec(t, want)), "want %s, got %s", want, got)
}

type fakeStage struct {
	mu     sync.Mutex
	txns   map[string]*models.StagedTransaction
	audits []models.AuditEntry

	insertErr error
	markErr   error
}

func newFakeStage() *fakeStage {
	return &fakeStage{txns: make(map[string]*models.StagedTransaction)}
}

func (f *fakeStage) InsertStaged(_ context.Context, txn *models.StagedTransaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, f.insertErr
	}
	if _, ok := f.txns[txn.TransactionID]; ok {
		return false, nil
	}
	cp := *txn
	f.txns[txn.TransactionID] = &cp
	return true, nil
}

func (f *fakeStage) Get(_ context.Context, transID string) (*models.StagedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[transID]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", transID)
	}
	cp := *txn
	return &cp, nil
}

func (f *fakeStage) ListByStatus(_ context.Context, status models.TxnStatus) ([]*models.StagedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.StagedTransaction
	for _, txn := range f.txns {
		if txn.Status == status {
			cp := *txn
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStage) UpdateReconFields(_ context.Context, transID string, upd models.ReconFieldUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[transID]
	if !ok {
		return fmt.Errorf("transaction %s not found", transID)
	}
	if upd.CustomerID != nil {
		txn.CustomerID = upd.CustomerID
	}
	if upd.PaymentMethodID != nil {
		txn.PaymentMethodID = *upd.PaymentMethodID
	}
	if upd.CashAccountID != nil {
		txn.CashAccountID = *upd.CashAccountID
	}
	if upd.AdjustmentDate != nil {
		txn.AdjustmentDate = upd.AdjustmentDate
	}
	if upd.PeriodID != nil {
		txn.PeriodID = *upd.PeriodID
	}
	if upd.InvoiceReference != nil {
		txn.InvoiceReference = *upd.InvoiceReference
	}
	if upd.PaymentDetails != nil {
		txn.PaymentDetails = *upd.PaymentDetails
	}
	return nil
}

func (f *fakeStage) MarkProcessed(_ context.Context, transID, paymentRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	txn, ok := f.txns[transID]
	if !ok || !txn.Status.CanTransition(models.StatusProcessed) {
		return fmt.Errorf("transaction %s not eligible for processing", transID)
	}
	txn.Status = models.StatusProcessed
	txn.PaymentReference = paymentRef
	txn.ErrorMessage = ""
	return nil
}

func (f *fakeStage) MarkError(_ context.Context, transID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	txn, ok := f.txns[transID]
	if !ok || !txn.Status.CanTransition(models.StatusError) {
		return fmt.Errorf("transaction %s not eligible for error state", transID)
	}
	txn.Status = models.StatusError
	txn.ErrorMessage = errMsg
	return nil
}

func (f *fakeStage) AuditLog(_ context.Context, entry models.AuditEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, entry)
}

func (f *fakeStage) put(txn *models.StagedTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns[txn.TransactionID] = txn
}

func (f *fakeStage) auditLevels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	levels := make([]string, len(f.audits))
	for i, a := range f.audits {
		levels[i] = a.Level
	}
	return levels
}

type fakeInvoices struct {
	byCustomer map[int64][]models.InvoiceSnapshot
	err        error
}

func (f *fakeInvoices) OpenInvoicesForCustomer(_ context.Context, customerID int64) ([]models.InvoiceSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.InvoiceSnapshot, len(f.byCustomer[customerID]))
	copy(out, f.byCustomer[customerID])
	return out, nil
}

type fakeDirectory struct {
	defaults map[int64]ledger.CustomerDefaults
}

func (f *fakeDirectory) DefaultsForCustomer(_ context.Context, customerID int64) (ledger.CustomerDefaults, error) {
	d, ok := f.defaults[customerID]
	if !ok {
		return ledger.CustomerDefaults{}, ledger.ErrCustomerNotFound
	}
	return d, nil
}

type fakePoster struct {
	mu      sync.Mutex
	drafts  []ledger.PaymentDraft
	posted  map[string]*ledger.CommittedPayment
	nextRef int

	// failInvoice makes the named application line fail, simulating a
	// mid-document attach failure with full rollback.
	failInvoice string
	createErr   error
}

func newFakePoster() *fakePoster {
	return &fakePoster{posted: make(map[string]*ledger.CommittedPayment)}
}

func (f *fakePoster) CreatePayment(_ context.Context, draft ledger.PaymentDraft) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, draft)

	if f.createErr != nil {
		return "", f.createErr
	}
	for _, app := range draft.Applications {
		if app.InvoiceID == f.failInvoice {
			return "", &ledger.AdjustmentError{InvoiceID: app.InvoiceID, Reason: "branch mismatch"}
		}
	}

	f.nextRef++
	ref := fmt.Sprintf("PMT%06d", f.nextRef)
	payment := &ledger.CommittedPayment{
		Reference:    ref,
		CustomerID:   draft.CustomerID,
		BranchID:     draft.BranchID,
		CurrencyCode: draft.CurrencyCode,
		Amount:       draft.Amount,
		Date:         draft.Date,
		PeriodID:     draft.PeriodID,
		ExternalRef:  draft.ExternalRef,
	}
	for _, app := range draft.Applications {
		payment.Applications = append(payment.Applications, ledger.PaymentApplication{
			InvoiceID: app.InvoiceID,
			Amount:    app.Amount,
		})
	}
	f.posted[ref] = payment
	return ref, nil
}

func (f *fakePoster) GetPayment(_ context.Context, ref string) (*ledger.CommittedPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posted[ref]
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	return p, nil
}

func (f *fakePoster) postedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted)
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakePublisher) Publish(subject string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
}
