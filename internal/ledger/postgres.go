package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mkuria/bankrecon/internal/models"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrNoOpenPeriod     = errors.New("no financial period covers the date")
)

// PostgresLedger implements the AR boundary on the service's own Postgres
// schema. In a deployment against a real ERP this is the adapter that gets
// swapped out.
type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) OpenInvoicesForCustomer(ctx context.Context, customerID int64) ([]models.InvoiceSnapshot, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, invoice_number, customer_id, branch_id, description,
		       doc_date, due_date, currency_code, original_amount::text,
		       balance::text
		FROM invoices
		WHERE customer_id = $1 AND open AND released
		ORDER BY due_date, id`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("open invoice query failed: %w", err)
	}
	defer rows.Close()

	var invoices []models.InvoiceSnapshot
	for rows.Next() {
		var (
			inv           models.InvoiceSnapshot
			orig, balance string
		)
		if err := rows.Scan(&inv.InvoiceID, &inv.InvoiceNumber,
			&inv.CustomerID, &inv.BranchID, &inv.Description, &inv.DocDate,
			&inv.DueDate, &inv.CurrencyCode, &orig, &balance); err != nil {
			return nil, err
		}
		if inv.OriginalAmount, err = decimal.NewFromString(orig); err != nil {
			return nil, fmt.Errorf("invoice %s original amount unreadable: %w", inv.InvoiceID, err)
		}
		if inv.OutstandingBalance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("invoice %s balance unreadable: %w", inv.InvoiceID, err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (l *PostgresLedger) DefaultsForCustomer(ctx context.Context, customerID int64) (CustomerDefaults, error) {
	var d CustomerDefaults
	err := l.db.QueryRow(ctx,
		"SELECT def_payment_method, def_cash_account FROM customers WHERE id = $1",
		customerID).Scan(&d.PaymentMethodID, &d.CashAccountID)
	if err == pgx.ErrNoRows {
		return CustomerDefaults{}, ErrCustomerNotFound
	}
	if err != nil {
		return CustomerDefaults{}, fmt.Errorf("customer defaults query failed: %w", err)
	}
	return d, nil
}

func (l *PostgresLedger) PeriodForDate(ctx context.Context, date time.Time) (string, error) {
	var periodID string
	err := l.db.QueryRow(ctx, `
		SELECT id FROM fin_periods
		WHERE start_date <= $1 AND end_date > $1 AND NOT ar_closed
		ORDER BY id DESC LIMIT 1`,
		date).Scan(&periodID)
	if err == nil {
		return periodID, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("period query failed: %w", err)
	}

	// Fall back to a closed period rather than blocking the operator; the
	// posting engine rejects it later if AR posting is truly not allowed.
	err = l.db.QueryRow(ctx, `
		SELECT id FROM fin_periods
		WHERE start_date <= $1 AND end_date > $1
		ORDER BY id DESC LIMIT 1`,
		date).Scan(&periodID)
	if err == pgx.ErrNoRows {
		return "", ErrNoOpenPeriod
	}
	if err != nil {
		return "", fmt.Errorf("period query failed: %w", err)
	}
	return periodID, nil
}

// CreatePayment creates and posts a payment document with all its
// application lines in a single transaction. Any line failure rolls the
// whole document back; no partial payment can persist.
func (l *PostgresLedger) CreatePayment(ctx context.Context, draft PaymentDraft) (string, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return "", fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM customers WHERE id = $1)", draft.CustomerID).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("customer check failed: %w", err)
	}
	if !exists {
		return "", ErrCustomerNotFound
	}

	var seq int64
	if err := tx.QueryRow(ctx, "SELECT nextval('payment_ref_seq')").Scan(&seq); err != nil {
		return "", fmt.Errorf("reference allocation failed: %w", err)
	}
	ref := fmt.Sprintf("PMT%06d", seq)

	_, err = tx.Exec(ctx, `
		INSERT INTO payments
			(ref, customer_id, branch_id, payment_method_id, cash_account_id,
			 currency_code, amount, doc_date, period_id, description,
			 external_ref, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ref, draft.CustomerID, draft.BranchID, draft.PaymentMethodID,
		draft.CashAccountID, draft.CurrencyCode, draft.Amount.String(),
		draft.Date, draft.PeriodID, draft.Description, draft.ExternalRef,
		draft.Actor.ID)
	if err != nil {
		return "", fmt.Errorf("payment insert failed: %w", err)
	}

	for _, app := range draft.Applications {
		if err := l.applyLine(ctx, tx, ref, draft, app); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("tx commit failed: %w", err)
	}
	return ref, nil
}

func (l *PostgresLedger) applyLine(ctx context.Context, tx pgx.Tx, ref string, draft PaymentDraft, app ApplicationDraft) error {
	var (
		customerID, branchID int64
		balanceStr           string
	)
	err := tx.QueryRow(ctx, `
		SELECT customer_id, branch_id, balance::text
		FROM invoices WHERE id = $1 AND open AND released
		FOR UPDATE`,
		app.InvoiceID).Scan(&customerID, &branchID, &balanceStr)
	if err == pgx.ErrNoRows {
		return &AdjustmentError{InvoiceID: app.InvoiceID, Reason: "invoice not open"}
	}
	if err != nil {
		return fmt.Errorf("invoice lock failed: %w", err)
	}

	if customerID != draft.CustomerID {
		return &AdjustmentError{InvoiceID: app.InvoiceID, Reason: "customer mismatch"}
	}
	if branchID != draft.BranchID {
		return &AdjustmentError{InvoiceID: app.InvoiceID, Reason: "branch mismatch"}
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return fmt.Errorf("invoice %s balance unreadable: %w", app.InvoiceID, err)
	}
	if app.Amount.GreaterThan(balance) {
		return &AdjustmentError{InvoiceID: app.InvoiceID, Reason: "applied amount exceeds balance"}
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO payment_applications (payment_ref, invoice_id, amount) VALUES ($1, $2, $3)",
		ref, app.InvoiceID, app.Amount.String())
	if err != nil {
		return fmt.Errorf("application insert failed: %w", err)
	}

	remaining := balance.Sub(app.Amount)
	_, err = tx.Exec(ctx,
		"UPDATE invoices SET balance = $2, open = $3 WHERE id = $1",
		app.InvoiceID, remaining.String(), remaining.IsPositive())
	if err != nil {
		return fmt.Errorf("invoice balance update failed: %w", err)
	}
	return nil
}

func (l *PostgresLedger) GetPayment(ctx context.Context, ref string) (*CommittedPayment, error) {
	var (
		p      CommittedPayment
		amount string
	)
	err := l.db.QueryRow(ctx, `
		SELECT ref, customer_id, branch_id, payment_method_id,
		       cash_account_id, currency_code, amount::text, doc_date,
		       period_id, description, external_ref
		FROM payments WHERE ref = $1`,
		ref).Scan(&p.Reference, &p.CustomerID, &p.BranchID,
		&p.PaymentMethodID, &p.CashAccountID, &p.CurrencyCode, &amount,
		&p.Date, &p.PeriodID, &p.Description, &p.ExternalRef)
	if err == pgx.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment query failed: %w", err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("payment amount unreadable: %w", err)
	}

	rows, err := l.db.Query(ctx,
		"SELECT invoice_id, amount::text FROM payment_applications WHERE payment_ref = $1 ORDER BY id",
		ref)
	if err != nil {
		return nil, fmt.Errorf("application query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			app    PaymentApplication
			amtStr string
		)
		if err := rows.Scan(&app.InvoiceID, &amtStr); err != nil {
			return nil, err
		}
		if app.Amount, err = decimal.NewFromString(amtStr); err != nil {
			return nil, fmt.Errorf("application amount unreadable: %w", err)
		}
		p.Applications = append(p.Applications, app)
	}
	return &p, rows.Err()
}
