package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mkuria/bankrecon/internal/events"
	"github.com/mkuria/bankrecon/internal/ledger"
	"github.com/mkuria/bankrecon/internal/models"
	"github.com/mkuria/bankrecon/internal/service"
)

// memStage is an in-memory service.StageStore for handler tests.
type memStage struct {
	mu     sync.Mutex
	txns   map[string]*models.StagedTransaction
	audits []models.AuditEntry
}

func newMemStage() *memStage {
	return &memStage{txns: make(map[string]*models.StagedTransaction)}
}

func (m *memStage) InsertStaged(_ context.Context, txn *models.StagedTransaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[txn.TransactionID]; ok {
		return false, nil
	}
	cp := *txn
	m.txns[txn.TransactionID] = &cp
	return true, nil
}

func (m *memStage) Get(_ context.Context, transID string) (*models.StagedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[transID]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", transID)
	}
	cp := *txn
	return &cp, nil
}

func (m *memStage) ListByStatus(_ context.Context, status models.TxnStatus) ([]*models.StagedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.StagedTransaction
	for _, txn := range m.txns {
		if txn.Status == status {
			cp := *txn
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStage) UpdateReconFields(_ context.Context, transID string, upd models.ReconFieldUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[transID]
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
	return nil
}

func (m *memStage) MarkProcessed(_ context.Context, transID, paymentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[transID]
	if !ok || !txn.Status.CanTransition(models.StatusProcessed) {
		return fmt.Errorf("transaction %s not in a processable state", transID)
	}
	txn.Status = models.StatusProcessed
	txn.PaymentReference = paymentRef
	txn.ErrorMessage = ""
	return nil
}

func (m *memStage) MarkError(_ context.Context, transID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[transID]
	if !ok {
		return fmt.Errorf("transaction %s not found", transID)
	}
	txn.Status = models.StatusError
	txn.ErrorMessage = errMsg
	return nil
}

func (m *memStage) AuditLog(_ context.Context, entry models.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
}

func (m *memStage) put(txn *models.StagedTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[txn.TransactionID] = txn
}

// memLedger implements every ledger interface behind the handler.
type memLedger struct {
	mu         sync.Mutex
	byCustomer map[int64][]models.InvoiceSnapshot
	defaults   map[int64]ledger.CustomerDefaults
	periodID   string
	nextRef    int
	payments   map[string]*ledger.CommittedPayment
}

func newMemLedger() *memLedger {
	return &memLedger{
		byCustomer: make(map[int64][]models.InvoiceSnapshot),
		defaults:   make(map[int64]ledger.CustomerDefaults),
		periodID:   "202608",
		payments:   make(map[string]*ledger.CommittedPayment),
	}
}

func (m *memLedger) OpenInvoicesForCustomer(_ context.Context, customerID int64) ([]models.InvoiceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byCustomer[customerID], nil
}

func (m *memLedger) DefaultsForCustomer(_ context.Context, customerID int64) (ledger.CustomerDefaults, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defaults[customerID]
	if !ok {
		return ledger.CustomerDefaults{}, ledger.ErrCustomerNotFound
	}
	return d, nil
}

func (m *memLedger) PeriodForDate(_ context.Context, _ time.Time) (string, error) {
	return m.periodID, nil
}

func (m *memLedger) CreatePayment(_ context.Context, draft ledger.PaymentDraft) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRef++
	ref := fmt.Sprintf("PMT%06d", m.nextRef)
	payment := &ledger.CommittedPayment{
		Reference:       ref,
		CustomerID:      draft.CustomerID,
		BranchID:        draft.BranchID,
		PaymentMethodID: draft.PaymentMethodID,
		CashAccountID:   draft.CashAccountID,
		CurrencyCode:    draft.CurrencyCode,
		Amount:          draft.Amount,
		Date:            draft.Date,
		PeriodID:        draft.PeriodID,
		ExternalRef:     draft.ExternalRef,
	}
	for _, app := range draft.Applications {
		payment.Applications = append(payment.Applications, ledger.PaymentApplication{
			InvoiceID: app.InvoiceID,
			Amount:    app.Amount,
		})
	}
	m.payments[ref] = payment
	return ref, nil
}

func (m *memLedger) GetPayment(_ context.Context, ref string) (*ledger.CommittedPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[ref]
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	return payment, nil
}

type testEnv struct {
	stage  *memStage
	ledger *memLedger
	router *mux.Router
}

func newTestEnv(t *testing.T, webhookSecret string) *testEnv {
	t.Helper()
	stage := newMemStage()
	led := newMemLedger()
	ingest := service.NewIngestor(stage, events.Noop{}, "KES", webhookSecret)
	committer := service.NewCommitter(stage, led, events.Noop{})
	batch := service.NewBatchProcessor(stage, led, events.Noop{})
	h := NewHandler(ingest, committer, batch, stage, led, led, led, led)
	r := mux.NewRouter()
	h.Routes(r)
	return &testEnv{stage: stage, ledger: led, router: r}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) doRaw(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) sessionView {
	t.Helper()
	var view sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func seedCustomerWithInvoices(env *testEnv, customerID int64, balances ...string) {
	env.ledger.defaults[customerID] = ledger.CustomerDefaults{
		PaymentMethodID: "MPESA",
		CashAccountID:   "CA-MPESA",
	}
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i, bal := range balances {
		amount, _ := decimal.NewFromString(bal)
		env.ledger.byCustomer[customerID] = append(env.ledger.byCustomer[customerID], models.InvoiceSnapshot{
			InvoiceID:          fmt.Sprintf("INV-%d", i+1),
			InvoiceNumber:      fmt.Sprintf("INV-%d", i+1),
			CustomerID:         customerID,
			BranchID:           1,
			DueDate:            base.AddDate(0, 0, i),
			CurrencyCode:       "KES",
			OriginalAmount:     amount,
			OutstandingBalance: amount,
		})
	}
}

func seedStagedTxn(env *testEnv, transID string, customerID int64, amount string) {
	var custPtr *int64
	method, account := "", ""
	if customerID != 0 {
		custPtr = &customerID
		method, account = "MPESA", "CA-MPESA"
	}
	env.stage.put(&models.StagedTransaction{
		TransactionID:   transID,
		Amount:          decimal.RequireFromString(amount),
		CurrencyCode:    "KES",
		CustomerID:      custPtr,
		PaymentMethodID: method,
		CashAccountID:   account,
		Status:          models.StatusNew,
	})
}

func TestWebhookStagesThenReportsDuplicate(t *testing.T) {
	env := newTestEnv(t, "")
	body := `{"TransID":"TX-1","TransAmount":"KES 500.00","BillRefNumber":"ACC-9","MSISDN":"254700000001"}`

	rec := env.doRaw(t, http.MethodPost, "/webhooks/payments", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Success")
	require.NotContains(t, rec.Body.String(), "Duplicate")

	rec = env.doRaw(t, http.MethodPost, "/webhooks/payments", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Success: Duplicate TX-1")

	txn, err := env.stage.Get(context.Background(), "TX-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusNew, txn.Status)
}

func TestWebhookRejectsBadPayloads(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.doRaw(t, http.MethodPost, "/webhooks/payments", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.doRaw(t, http.MethodPost, "/webhooks/payments", `{"TransAmount":"KES 10.00"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	env := newTestEnv(t, "s3cret")

	body := `{"TransID":"TX-SIG","TransAmount":"KES 10.00","SecureHash":"deadbeef"}`
	rec := env.doRaw(t, http.MethodPost, "/webhooks/payments", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListAndGetTransactions(t *testing.T) {
	env := newTestEnv(t, "")
	seedStagedTxn(env, "TX-A", 7, "100.00")

	rec := env.do(t, http.MethodGet, "/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txns []models.StagedTransaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txns))
	require.Len(t, txns, 1)
	require.Equal(t, "TX-A", txns[0].TransactionID)

	rec = env.do(t, http.MethodGet, "/transactions/TX-A", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/transactions/NOPE", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenSessionAutoAllocatesAndDefaultsPeriod(t *testing.T) {
	env := newTestEnv(t, "")
	seedCustomerWithInvoices(env, 7, "100.00", "50.00", "30.00")
	seedStagedTxn(env, "TX-B", 7, "120.00")

	rec := env.do(t, http.MethodPost, "/transactions/TX-B/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	view := decodeSession(t, rec)
	require.Len(t, view.Lines, 3)
	require.Equal(t, models.FillFull, view.Lines[0].FillStatus)
	require.True(t, mustDec(t, "100.00").Equal(view.Lines[0].AppliedAmount))
	require.Equal(t, models.FillPartial, view.Lines[1].FillStatus)
	require.True(t, mustDec(t, "20.00").Equal(view.Lines[1].AppliedAmount))
	require.Equal(t, models.FillNone, view.Lines[2].FillStatus)
	require.True(t, mustDec(t, "120.00").Equal(view.TotalApplied))
	require.True(t, view.Unallocated.IsZero())

	// Period and adjustment date were defaulted and persisted.
	txn, err := env.stage.Get(context.Background(), "TX-B")
	require.NoError(t, err)
	require.Equal(t, "202608", txn.PeriodID)
	require.NotNil(t, txn.AdjustmentDate)
}

func TestOpenSessionRefusedWhenProcessed(t *testing.T) {
	env := newTestEnv(t, "")
	seedStagedTxn(env, "TX-C", 7, "10.00")
	require.NoError(t, env.stage.MarkProcessed(context.Background(), "TX-C", "PMT000009"))

	rec := env.do(t, http.MethodPost, "/transactions/TX-C/session", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetSessionWithoutOpenReturns404(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/transactions/TX-X/session", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveCustomerPersistsDefaults(t *testing.T) {
	env := newTestEnv(t, "")
	seedCustomerWithInvoices(env, 8, "200.00")
	seedStagedTxn(env, "TX-D", 0, "150.00")

	rec := env.do(t, http.MethodPost, "/transactions/TX-D/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeSession(t, rec).Lines)

	rec = env.do(t, http.MethodPost, "/transactions/TX-D/session/customer", map[string]any{"customer_id": 8})
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeSession(t, rec)
	require.Len(t, view.Lines, 1)
	require.True(t, mustDec(t, "150.00").Equal(view.Lines[0].AppliedAmount))

	txn, err := env.stage.Get(context.Background(), "TX-D")
	require.NoError(t, err)
	require.NotNil(t, txn.CustomerID)
	require.Equal(t, int64(8), *txn.CustomerID)
	require.Equal(t, "MPESA", txn.PaymentMethodID)
	require.Equal(t, "CA-MPESA", txn.CashAccountID)
}

func TestResolveUnknownCustomerReturns404(t *testing.T) {
	env := newTestEnv(t, "")
	seedStagedTxn(env, "TX-E", 0, "10.00")
	env.do(t, http.MethodPost, "/transactions/TX-E/session", nil)

	rec := env.do(t, http.MethodPost, "/transactions/TX-E/session/customer", map[string]any{"customer_id": 404})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLineMutationValidation(t *testing.T) {
	env := newTestEnv(t, "")
	seedCustomerWithInvoices(env, 7, "100.00", "50.00")
	seedStagedTxn(env, "TX-F", 7, "120.00")
	env.do(t, http.MethodPost, "/transactions/TX-F/session", nil)

	// Over the invoice balance.
	rec := env.do(t, http.MethodPost, "/transactions/TX-F/session/lines/INV-1/amount", map[string]any{"amount": "150.00"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Unknown invoice.
	rec = env.do(t, http.MethodPost, "/transactions/TX-F/session/lines/INV-99/amount", map[string]any{"amount": "10.00"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Valid adjustment.
	rec = env.do(t, http.MethodPost, "/transactions/TX-F/session/lines/INV-1/amount", map[string]any{"amount": "80.00"})
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeSession(t, rec)
	require.True(t, mustDec(t, "80.00").Equal(view.Lines[0].AppliedAmount))
	require.Equal(t, models.FillPartial, view.Lines[0].FillStatus)

	// Deselect clears the line.
	rec = env.do(t, http.MethodPost, "/transactions/TX-F/session/lines/INV-1/select", map[string]any{"selected": false})
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeSession(t, rec)
	require.True(t, view.Lines[0].AppliedAmount.IsZero())
	require.False(t, view.Lines[0].Selected)
}

func TestClearSessionZeroesAllLines(t *testing.T) {
	env := newTestEnv(t, "")
	seedCustomerWithInvoices(env, 7, "100.00")
	seedStagedTxn(env, "TX-G", 7, "60.00")
	env.do(t, http.MethodPost, "/transactions/TX-G/session", nil)

	rec := env.do(t, http.MethodPost, "/transactions/TX-G/session/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeSession(t, rec)
	require.True(t, view.TotalApplied.IsZero())
	require.True(t, mustDec(t, "60.00").Equal(view.Unallocated))
}

func TestCommitSessionCreatesPaymentAndDropsSession(t *testing.T) {
	env := newTestEnv(t, "")
	seedCustomerWithInvoices(env, 7, "100.00", "50.00")
	seedStagedTxn(env, "TX-H", 7, "120.00")
	env.do(t, http.MethodPost, "/transactions/TX-H/session", nil)

	rec := env.do(t, http.MethodPost, "/transactions/TX-H/session/commit", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "/api/v1/payments/PMT000001", rec.Header().Get("Location"))

	var result models.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, "PMT000001", result.PaymentReference)

	txn, err := env.stage.Get(context.Background(), "TX-H")
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessed, txn.Status)
	require.Equal(t, "PMT000001", txn.PaymentReference)

	// The session is gone once committed.
	rec = env.do(t, http.MethodGet, "/transactions/TX-H/session", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/payments/PMT000001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var payment ledger.CommittedPayment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payment))
	require.Len(t, payment.Applications, 2)
	require.Equal(t, "TX-H", payment.ExternalRef)
}

func TestCommitSessionPreconditionFailureIs422(t *testing.T) {
	env := newTestEnv(t, "")
	seedStagedTxn(env, "TX-I", 0, "10.00")
	env.do(t, http.MethodPost, "/transactions/TX-I/session", nil)

	rec := env.do(t, http.MethodPost, "/transactions/TX-I/session/commit", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetPaymentNotFound(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/payments/PMT000404", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func batchRequest(ids ...string) map[string]any {
	return map[string]any{
		"filter": map[string]any{
			"payment_method_id": "MPESA",
			"cash_account_id":   "CA-MPESA",
			"currency_code":     "KES",
			"date":              "2026-08-15T00:00:00Z",
			"period_id":         "202608",
		},
		"transaction_ids": ids,
	}
}

func TestBatchRejectsIncompleteFilter(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/batch", map[string]any{
		"filter": map[string]any{"payment_method_id": "MPESA"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBatchAllSuccess(t *testing.T) {
	env := newTestEnv(t, "")
	seedStagedTxn(env, "TX-J", 7, "40.00")
	seedStagedTxn(env, "TX-K", 7, "60.00")

	rec := env.do(t, http.MethodPost, "/batch", batchRequest("TX-J", "TX-K"))
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.False(t, result.PartialFailure)
	require.Len(t, result.Items, 2)
	for _, item := range result.Items {
		require.True(t, item.Succeeded())
	}
}

func TestBatchPartialFailureIs207(t *testing.T) {
	env := newTestEnv(t, "")
	seedStagedTxn(env, "TX-L", 7, "40.00")
	seedStagedTxn(env, "TX-M", 0, "60.00") // no customer, will fail

	rec := env.do(t, http.MethodPost, "/batch", batchRequest("TX-L", "TX-M"))
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	var result models.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.PartialFailure)

	txn, err := env.stage.Get(context.Background(), "TX-M")
	require.NoError(t, err)
	require.Equal(t, models.StatusError, txn.Status)
}

func TestBatchUnknownTransactionIs404(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/batch", batchRequest("TX-NOPE"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
