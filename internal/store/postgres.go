package store

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mkuria/bankrecon/internal/models"
)

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// InsertStaged stages a new transaction. The insert is idempotent on the
// provider transaction id: a duplicate delivery leaves the existing row
// untouched and returns created=false.
func (s *Store) InsertStaged(ctx context.Context, txn *models.StagedTransaction) (bool, error) {
	ct, err := s.Db.Exec(ctx, `
		INSERT INTO staged_transactions
			(trans_id, transaction_type, occurred_at, amount, currency_code,
			 payer_phone, bill_reference, raw_payload, secure_hash, status,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (trans_id) DO NOTHING`,
		txn.TransactionID, txn.TransactionType, txn.OccurredAt,
		txn.Amount.String(), txn.CurrencyCode, txn.PayerPhone,
		txn.BillReference, txn.RawPayload, txn.SecureHash, string(txn.Status),
	)
	if err != nil {
		return false, fmt.Errorf("stage insert failed: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

const stagedColumns = `trans_id, transaction_type, occurred_at, amount::text,
	currency_code, payer_phone, bill_reference, raw_payload, secure_hash,
	customer_id, invoice_reference, payment_method_id, cash_account_id,
	adjustment_date, period_id, payment_details, status, payment_reference,
	error_message, created_at, updated_at`

func scanStaged(row interface{ Scan(...any) error }) (*models.StagedTransaction, error) {
	var (
		txn     models.StagedTransaction
		amount  string
		status  string
		adjDate *time.Time
	)
	err := row.Scan(
		&txn.TransactionID, &txn.TransactionType, &txn.OccurredAt, &amount,
		&txn.CurrencyCode, &txn.PayerPhone, &txn.BillReference,
		&txn.RawPayload, &txn.SecureHash, &txn.CustomerID,
		&txn.InvoiceReference, &txn.PaymentMethodID, &txn.CashAccountID,
		&adjDate, &txn.PeriodID, &txn.PaymentDetails, &status,
		&txn.PaymentReference, &txn.ErrorMessage, &txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	txn.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("stored amount unreadable: %w", err)
	}
	txn.Status = models.TxnStatus(status)
	txn.AdjustmentDate = adjDate
	return &txn, nil
}

// Get retrieves a staged transaction by provider transaction id.
func (s *Store) Get(ctx context.Context, transID string) (*models.StagedTransaction, error) {
	row := s.Db.QueryRow(ctx,
		"SELECT "+stagedColumns+" FROM staged_transactions WHERE trans_id = $1",
		transID)
	return scanStaged(row)
}

// ListByStatus returns staged transactions in a given lifecycle state,
// oldest first.
func (s *Store) ListByStatus(ctx context.Context, status models.TxnStatus) ([]*models.StagedTransaction, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+stagedColumns+" FROM staged_transactions WHERE status = $1 ORDER BY created_at",
		string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*models.StagedTransaction
	for rows.Next() {
		txn, err := scanStaged(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// UpdateReconFields applies operator edits to the mutable reconciliation
// fields. Only non-nil fields are written.
func (s *Store) UpdateReconFields(ctx context.Context, transID string, upd models.ReconFieldUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{transID}

	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.CustomerID != nil {
		add("customer_id", *upd.CustomerID)
	}
	if upd.InvoiceReference != nil {
		add("invoice_reference", *upd.InvoiceReference)
	}
	if upd.PaymentMethodID != nil {
		add("payment_method_id", *upd.PaymentMethodID)
	}
	if upd.CashAccountID != nil {
		add("cash_account_id", *upd.CashAccountID)
	}
	if upd.AdjustmentDate != nil {
		add("adjustment_date", *upd.AdjustmentDate)
	}
	if upd.PeriodID != nil {
		add("period_id", *upd.PeriodID)
	}
	if upd.PaymentDetails != nil {
		add("payment_details", *upd.PaymentDetails)
	}

	query := "UPDATE staged_transactions SET " + strings.Join(sets, ", ") + " WHERE trans_id = $1"
	ct, err := s.Db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("recon field update failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s not found", transID)
	}
	return nil
}

// MarkProcessed finalizes a staged transaction after a successful commit.
// The status guard is enforced in the WHERE clause: a Processed row is never
// rewritten.
func (s *Store) MarkProcessed(ctx context.Context, transID, paymentRef string) error {
	ct, err := s.Db.Exec(ctx, `
		UPDATE staged_transactions
		SET status = $2, payment_reference = $3, error_message = '', updated_at = now()
		WHERE trans_id = $1 AND status IN ($4, $5)`,
		transID, string(models.StatusProcessed), paymentRef,
		string(models.StatusNew), string(models.StatusError))
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s not eligible for processing", transID)
	}
	return nil
}

// MarkError records a commit failure. Processed rows are left alone.
func (s *Store) MarkError(ctx context.Context, transID, errMsg string) error {
	ct, err := s.Db.Exec(ctx, `
		UPDATE staged_transactions
		SET status = $2, error_message = $3, updated_at = now()
		WHERE trans_id = $1 AND status IN ($4, $5)`,
		transID, string(models.StatusError), errMsg,
		string(models.StatusNew), string(models.StatusError))
	if err != nil {
		return fmt.Errorf("mark error failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s not eligible for error state", transID)
	}
	return nil
}

// AuditLog appends one entry to the webhook log. The sink is best-effort:
// failures are logged locally and never returned, so a broken audit table
// cannot take down ingestion or commits.
func (s *Store) AuditLog(ctx context.Context, entry models.AuditEntry) {
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.Db.Exec(ctx, `
		INSERT INTO webhook_log (trans_id, log_level, message, detail, actor_id, event_time)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.TransactionID, entry.Level, entry.Message, entry.Detail,
		entry.ActorID, at)
	if err != nil {
		log.Printf("audit log write failed for %s: %v", entry.TransactionID, err)
	}
}
