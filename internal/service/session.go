package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mkuria/bankrecon/internal/ledger"
	"github.com/mkuria/bankrecon/internal/models"
)

// Session is the in-memory working set of allocation lines for one staged
// transaction. Lines are rebuilt from current invoice balances every time
// the session opens and are discarded after commit; they never touch
// durable storage. All mutations are serialized and totals are recomputed
// synchronously, so a caller never observes a stale sum.
type Session struct {
	mu        sync.Mutex
	txn       *models.StagedTransaction
	invoices  ledger.InvoiceReader
	directory ledger.CustomerDirectory
	lines     []*models.AllocationLine
}

func NewSession(invoices ledger.InvoiceReader, directory ledger.CustomerDirectory, txn *models.StagedTransaction) *Session {
	return &Session{
		txn:       txn,
		invoices:  invoices,
		directory: directory,
	}
}

// Open builds the line set for the transaction's customer. Invoices come
// back oldest-due-first; operator edits from a previous open survive for
// invoices still present (clamped to the current balance), and remaining
// funds are auto-allocated greedily: full-fill while they last, one partial
// fill, nothing after.
func (s *Session) Open(ctx context.Context) ([]models.AllocationLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txn.CustomerID == nil {
		s.lines = nil
		s.recomputeTotals()
		return nil, nil
	}

	invoices, err := s.invoices.OpenInvoicesForCustomer(ctx, *s.txn.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("invoice lookup for customer %d: %w", *s.txn.CustomerID, err)
	}

	prior := make(map[string]*models.AllocationLine, len(s.lines))
	for _, line := range s.lines {
		prior[line.InvoiceID] = line
	}

	remaining := s.txn.Amount
	lines := make([]*models.AllocationLine, 0, len(invoices))
	for _, inv := range invoices {
		line := &models.AllocationLine{
			InvoiceID:          inv.InvoiceID,
			InvoiceNumber:      inv.InvoiceNumber,
			BranchID:           inv.BranchID,
			DueDate:            inv.DueDate,
			CurrencyCode:       inv.CurrencyCode,
			OriginalAmount:     inv.OriginalAmount,
			OutstandingBalance: inv.OutstandingBalance,
		}

		if p, ok := prior[inv.InvoiceID]; ok {
			applied := p.AppliedAmount
			if applied.GreaterThan(inv.OutstandingBalance) {
				applied = inv.OutstandingBalance
			}
			line.Selected = p.Selected && applied.IsPositive()
			line.AppliedAmount = applied
		} else if remaining.IsPositive() && inv.OutstandingBalance.IsPositive() {
			applied := decimal.Min(remaining, inv.OutstandingBalance)
			line.Selected = true
			line.AppliedAmount = applied
		}

		if line.Selected {
			remaining = decimal.Max(decimal.Zero, remaining.Sub(line.AppliedAmount))
		}
		line.RemainingBalance = line.OutstandingBalance.Sub(line.AppliedAmount)
		line.FillStatus = models.FillFor(line.AppliedAmount, line.OutstandingBalance)
		lines = append(lines, line)
	}

	s.lines = lines
	s.recomputeTotals()
	return s.snapshot(), nil
}

// Lines returns a copy of the current line set.
func (s *Session) Lines() []models.AllocationLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// SetSelected toggles a line. Deselecting clears its application; selecting
// fills it from whatever the payment amount still has available, partially
// if need be. A line cannot be selected when nothing is available.
func (s *Session) SetSelected(invoiceID string, selected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := s.find(invoiceID)
	if err != nil {
		return err
	}

	if !selected {
		line.Selected = false
		line.AppliedAmount = decimal.Zero
		line.FillStatus = models.FillNone
		line.RemainingBalance = line.OutstandingBalance
		s.recomputeTotals()
		return nil
	}

	available := s.txn.Amount.Sub(s.appliedExcluding(line))
	switch {
	case available.GreaterThanOrEqual(line.OutstandingBalance):
		line.Selected = true
		line.AppliedAmount = line.OutstandingBalance
	case available.IsPositive():
		line.Selected = true
		line.AppliedAmount = available
	default:
		line.Selected = false
		line.AppliedAmount = decimal.Zero
	}
	line.FillStatus = models.FillFor(line.AppliedAmount, line.OutstandingBalance)
	line.RemainingBalance = line.OutstandingBalance.Sub(line.AppliedAmount)
	s.recomputeTotals()
	return nil
}

// SetAppliedAmount applies an operator-chosen amount to a line. Validation
// failures leave the session exactly as it was.
func (s *Session) SetAppliedAmount(invoiceID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := s.find(invoiceID)
	if err != nil {
		return err
	}

	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	if amount.GreaterThan(line.OutstandingBalance) {
		return fmt.Errorf("%w: balance is %s", ErrExceedsInvoiceBalance, line.OutstandingBalance)
	}
	if s.appliedExcluding(line).Add(amount).GreaterThan(s.txn.Amount) {
		return fmt.Errorf("%w: payment amount is %s", ErrExceedsPaymentAmount, s.txn.Amount)
	}

	line.AppliedAmount = amount
	if amount.IsPositive() {
		line.Selected = true
	}
	line.FillStatus = models.FillFor(amount, line.OutstandingBalance)
	line.RemainingBalance = line.OutstandingBalance.Sub(amount)
	s.recomputeTotals()
	return nil
}

// ClearAll deselects every line and zeroes all applications.
func (s *Session) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range s.lines {
		line.Selected = false
		line.AppliedAmount = decimal.Zero
		line.FillStatus = models.FillNone
		line.RemainingBalance = line.OutstandingBalance
	}
	s.recomputeTotals()
}

// ResolveCustomer changes the payer, invalidates the whole line set, looks
// up the customer's default payment method and cash account, and rebuilds
// the lines against the new customer's invoices.
func (s *Session) ResolveCustomer(ctx context.Context, customerID int64) (ledger.CustomerDefaults, error) {
	s.mu.Lock()
	s.txn.CustomerID = &customerID
	s.txn.PaymentMethodID = ""
	s.txn.CashAccountID = ""
	s.lines = nil
	s.mu.Unlock()

	defaults, err := s.directory.DefaultsForCustomer(ctx, customerID)
	if err != nil {
		return ledger.CustomerDefaults{}, fmt.Errorf("defaults for customer %d: %w", customerID, err)
	}

	s.mu.Lock()
	s.txn.PaymentMethodID = defaults.PaymentMethodID
	s.txn.CashAccountID = defaults.CashAccountID
	s.mu.Unlock()

	if _, err := s.Open(ctx); err != nil {
		return ledger.CustomerDefaults{}, err
	}
	return defaults, nil
}

// Totals returns the applied sum and the unallocated remainder.
func (s *Session) Totals() (applied, unallocated decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txn.TotalApplied, s.txn.Unallocated
}

// FundedApplications returns one application draft per selected line with a
// positive applied amount, in due-date order.
func (s *Session) FundedApplications() []ledger.ApplicationDraft {
	s.mu.Lock()
	defer s.mu.Unlock()

	var apps []ledger.ApplicationDraft
	for _, line := range s.lines {
		if line.Selected && line.AppliedAmount.IsPositive() {
			apps = append(apps, ledger.ApplicationDraft{
				InvoiceID: line.InvoiceID,
				Amount:    line.AppliedAmount,
			})
		}
	}
	return apps
}

// FirstFundedBranch returns the branch of the first funded line, which the
// commit uses as the posting branch. ok is false when nothing is funded.
func (s *Session) FirstFundedBranch() (branchID int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range s.lines {
		if line.Selected && line.AppliedAmount.IsPositive() {
			return line.BranchID, true
		}
	}
	return 0, false
}

// Transaction exposes the staged transaction this session belongs to.
func (s *Session) Transaction() *models.StagedTransaction {
	return s.txn
}

func (s *Session) find(invoiceID string) (*models.AllocationLine, error) {
	for _, line := range s.lines {
		if line.InvoiceID == invoiceID {
			return line, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownInvoice, invoiceID)
}

func (s *Session) appliedExcluding(exclude *models.AllocationLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range s.lines {
		if line != exclude && line.Selected {
			total = total.Add(line.AppliedAmount)
		}
	}
	return total
}

func (s *Session) recomputeTotals() {
	total := decimal.Zero
	for _, line := range s.lines {
		if line.Selected {
			total = total.Add(line.AppliedAmount)
		}
	}
	s.txn.TotalApplied = total
	s.txn.Unallocated = s.txn.Amount.Sub(total)
}

func (s *Session) snapshot() []models.AllocationLine {
	out := make([]models.AllocationLine, len(s.lines))
	for i, line := range s.lines {
		out[i] = *line
	}
	return out
}
