package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/mkuria/bankrecon/internal/ledger"
	"github.com/mkuria/bankrecon/internal/models"
	"github.com/mkuria/bankrecon/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recon_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	webhooksStaged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_webhooks_staged_total",
		Help: "Webhook deliveries staged, labeled by outcome",
	}, []string{"outcome"})

	paymentsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recon_payments_committed_total",
		Help: "Payments successfully created and posted",
	})

	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_batch_items_total",
		Help: "Batch items processed, labeled by outcome",
	}, []string{"outcome"})
)

type Handler struct {
	ingest    *service.Ingestor
	committer *service.Committer
	batch     *service.BatchProcessor
	stage     service.StageStore
	invoices  ledger.InvoiceReader
	directory ledger.CustomerDirectory
	periods   ledger.PeriodResolver
	poster    ledger.PaymentPoster
	sessions  *SessionRegistry
}

func NewHandler(ingest *service.Ingestor, committer *service.Committer, batch *service.BatchProcessor,
	stage service.StageStore, invoices ledger.InvoiceReader, directory ledger.CustomerDirectory,
	periods ledger.PeriodResolver, poster ledger.PaymentPoster) *Handler {
	return &Handler{
		ingest:    ingest,
		committer: committer,
		batch:     batch,
		stage:     stage,
		invoices:  invoices,
		directory: directory,
		periods:   periods,
		poster:    poster,
		sessions:  NewSessionRegistry(),
	}
}

func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/webhooks/payments", h.Webhook).Methods("POST")
	r.HandleFunc("/transactions", h.ListTransactions).Methods("GET")
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	r.HandleFunc("/transactions/{id}/session", h.OpenSession).Methods("POST")
	r.HandleFunc("/transactions/{id}/session", h.GetSession).Methods("GET")
	r.HandleFunc("/transactions/{id}/session/customer", h.ResolveCustomer).Methods("POST")
	r.HandleFunc("/transactions/{id}/session/lines/{invoiceID}/select", h.SelectLine).Methods("POST")
	r.HandleFunc("/transactions/{id}/session/lines/{invoiceID}/amount", h.SetLineAmount).Methods("POST")
	r.HandleFunc("/transactions/{id}/session/clear", h.ClearSession).Methods("POST")
	r.HandleFunc("/transactions/{id}/session/commit", h.CommitSession).Methods("POST")
	r.HandleFunc("/payments/{ref}", h.GetPayment).Methods("GET")
	r.HandleFunc("/batch", h.ProcessBatch).Methods("POST")
}

// Webhook receives a provider payment confirmation. It answers 200 with a
// short status string for both a fresh stage and a duplicate delivery, so
// the provider stops retrying; 4xx means the payload itself is unusable and
// a retry will not help, 500 asks for a retry.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/webhooks/payments"))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondText(w, http.StatusInternalServerError, "Error: stream read failed", "POST", "/webhooks/payments")
		return
	}

	result, err := h.ingest.Ingest(r.Context(), actorFromRequest(r, "webhook"), body)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMalformedPayload), errors.Is(err, service.ErrMissingCorrelationId):
			webhooksStaged.WithLabelValues("rejected").Inc()
			h.respondText(w, http.StatusBadRequest, "Error: "+err.Error(), "POST", "/webhooks/payments")
		case errors.Is(err, service.ErrInvalidSignature):
			webhooksStaged.WithLabelValues("rejected").Inc()
			h.respondText(w, http.StatusUnauthorized, "Error: "+err.Error(), "POST", "/webhooks/payments")
		default:
			webhooksStaged.WithLabelValues("failed").Inc()
			h.respondText(w, http.StatusInternalServerError, "Error: internal failure", "POST", "/webhooks/payments")
		}
		return
	}

	if result.Outcome == models.OutcomeDuplicate {
		webhooksStaged.WithLabelValues("duplicate").Inc()
		h.respondText(w, http.StatusOK, fmt.Sprintf("Success: Duplicate %s", result.TransactionID), "POST", "/webhooks/payments")
		return
	}
	webhooksStaged.WithLabelValues("created").Inc()
	h.respondText(w, http.StatusOK, "Success", "POST", "/webhooks/payments")
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	status := models.TxnStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusNew
	}

	txns, err := h.stage.ListByStatus(r.Context(), status)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "System error listing transactions", "GET", "/transactions")
		return
	}
	if txns == nil {
		txns = []*models.StagedTransaction{}
	}
	h.respondJSON(w, http.StatusOK, txns, "GET", "/transactions")
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.stage.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusNotFound, "Transaction not found", "GET", "/transactions/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, txn, "GET", "/transactions/{id}")
}

type sessionView struct {
	Transaction  *models.StagedTransaction `json:"transaction"`
	Lines        []models.AllocationLine   `json:"lines"`
	TotalApplied decimal.Decimal           `json:"total_applied"`
	Unallocated  decimal.Decimal           `json:"unallocated"`
}

// OpenSession loads the transaction fresh from the stage, defaults the
// adjustment date and period when unset, and builds (or re-syncs) the
// allocation lines with the auto-allocation pass.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	transID := mux.Vars(r)["id"]

	txn, err := h.stage.Get(r.Context(), transID)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "Transaction not found", "POST", "/transactions/{id}/session")
		return
	}
	if txn.Status == models.StatusProcessed {
		h.respondError(w, http.StatusConflict, "Transaction already processed", "POST", "/transactions/{id}/session")
		return
	}

	if txn.AdjustmentDate == nil {
		now := time.Now().UTC()
		txn.AdjustmentDate = &now
	}
	if txn.PeriodID == "" {
		if periodID, err := h.periods.PeriodForDate(r.Context(), *txn.AdjustmentDate); err == nil {
			txn.PeriodID = periodID
			h.stage.UpdateReconFields(r.Context(), transID, models.ReconFieldUpdate{
				AdjustmentDate: txn.AdjustmentDate,
				PeriodID:       &periodID,
			})
		}
	}

	sess := h.sessions.GetOrCreate(transID, func() *service.Session {
		return service.NewSession(h.invoices, h.directory, txn)
	})
	lines, err := sess.Open(r.Context())
	if err != nil {
		h.respondError(w, http.StatusBadGateway, "Invoice lookup failed", "POST", "/transactions/{id}/session")
		return
	}
	h.respondSession(w, sess, lines, "POST", "/transactions/{id}/session")
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessions.Get(mux.Vars(r)["id"])
	if !ok {
		h.respondError(w, http.StatusNotFound, "No open session for transaction", "GET", "/transactions/{id}/session")
		return
	}
	h.respondSession(w, sess, sess.Lines(), "GET", "/transactions/{id}/session")
}

func (h *Handler) ResolveCustomer(w http.ResponseWriter, r *http.Request) {
	transID := mux.Vars(r)["id"]
	sess, ok := h.sessions.Get(transID)
	if !ok {
		h.respondError(w, http.StatusNotFound, "No open session for transaction", "POST", "/transactions/{id}/session/customer")
		return
	}

	var req struct {
		CustomerID int64 `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CustomerID == 0 {
		h.respondError(w, http.StatusBadRequest, "customer_id is required", "POST", "/transactions/{id}/session/customer")
		return
	}

	defaults, err := sess.ResolveCustomer(r.Context(), req.CustomerID)
	if err != nil {
		if errors.Is(err, ledger.ErrCustomerNotFound) {
			h.respondError(w, http.StatusNotFound, "Customer not found", "POST", "/transactions/{id}/session/customer")
			return
		}
		h.respondError(w, http.StatusBadGateway, "Customer lookup failed", "POST", "/transactions/{id}/session/customer")
		return
	}

	// The customer choice and its defaults survive the session.
	h.stage.UpdateReconFields(r.Context(), transID, models.ReconFieldUpdate{
		CustomerID:      &req.CustomerID,
		PaymentMethodID: &defaults.PaymentMethodID,
		CashAccountID:   &defaults.CashAccountID,
	})

	h.respondSession(w, sess, sess.Lines(), "POST", "/transactions/{id}/session/customer")
}

func (h *Handler) SelectLine(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, ok := h.sessions.Get(vars["id"])
	if !ok {
		h.respondError(w, http.StatusNotFound, "No open session for transaction", "POST", "/transactions/{id}/session/lines/{invoiceID}/select")
		return
	}

	var req struct {
		Selected bool `json:"selected"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/transactions/{id}/session/lines/{invoiceID}/select")
		return
	}

	if err := sess.SetSelected(vars["invoiceID"], req.Selected); err != nil {
		h.respondLineError(w, err, "POST", "/transactions/{id}/session/lines/{invoiceID}/select")
		return
	}
	h.respondSession(w, sess, sess.Lines(), "POST", "/transactions/{id}/session/lines/{invoiceID}/select")
}

func (h *Handler) SetLineAmount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, ok := h.sessions.Get(vars["id"])
	if !ok {
		h.respondError(w, http.StatusNotFound, "No open session for transaction", "POST", "/transactions/{id}/session/lines/{invoiceID}/amount")
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/transactions/{id}/session/lines/{invoiceID}/amount")
		return
	}

	if err := sess.SetAppliedAmount(vars["invoiceID"], req.Amount); err != nil {
		h.respondLineError(w, err, "POST", "/transactions/{id}/session/lines/{invoiceID}/amount")
		return
	}
	h.respondSession(w, sess, sess.Lines(), "POST", "/transactions/{id}/session/lines/{invoiceID}/amount")
}

func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessions.Get(mux.Vars(r)["id"])
	if !ok {
		h.respondError(w, http.StatusNotFound, "No open session for transaction", "POST", "/transactions/{id}/session/clear")
		return
	}
	sess.ClearAll()
	h.respondSession(w, sess, sess.Lines(), "POST", "/transactions/{id}/session/clear")
}

func (h *Handler) CommitSession(w http.ResponseWriter, r *http.Request) {
	transID := mux.Vars(r)["id"]
	sess, ok := h.sessions.Get(transID)
	if !ok {
		h.respondError(w, http.StatusNotFound, "No open session for transaction", "POST", "/transactions/{id}/session/commit")
		return
	}

	result, err := h.committer.Commit(r.Context(), actorFromRequest(r, "operator"), sess)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAlreadyProcessed):
			h.respondError(w, http.StatusConflict, err.Error(), "POST", "/transactions/{id}/session/commit")
		case errors.Is(err, service.ErrCustomerRequired),
			errors.Is(err, service.ErrAmountInvalid),
			errors.Is(err, service.ErrPaymentMethodRequired),
			errors.Is(err, service.ErrCashAccountRequired),
			errors.Is(err, service.ErrPeriodRequired):
			h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", "/transactions/{id}/session/commit")
		default:
			h.respondError(w, http.StatusInternalServerError, err.Error(), "POST", "/transactions/{id}/session/commit")
		}
		return
	}

	paymentsCommitted.Inc()
	h.sessions.Drop(transID)
	w.Header().Set("Location", "/api/v1/payments/"+result.PaymentReference)
	h.respondJSON(w, http.StatusCreated, result, "POST", "/transactions/{id}/session/commit")
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.poster.GetPayment(r.Context(), mux.Vars(r)["ref"])
	if err != nil {
		if errors.Is(err, ledger.ErrPaymentNotFound) {
			h.respondError(w, http.StatusNotFound, "Payment not found", "GET", "/payments/{ref}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "System error loading payment", "GET", "/payments/{ref}")
		return
	}
	h.respondJSON(w, http.StatusOK, payment, "GET", "/payments/{ref}")
}

func (h *Handler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/batch"))
	defer timer.ObserveDuration()

	var req struct {
		Filter         models.BatchFilter `json:"filter"`
		TransactionIDs []string           `json:"transaction_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/batch")
		return
	}
	if !req.Filter.Complete() {
		h.respondError(w, http.StatusUnprocessableEntity, service.ErrMissingFilterParams.Error(), "POST", "/batch")
		return
	}

	var txns []*models.StagedTransaction
	if len(req.TransactionIDs) > 0 {
		for _, id := range req.TransactionIDs {
			txn, err := h.stage.Get(r.Context(), id)
			if err != nil {
				h.respondError(w, http.StatusNotFound, "Transaction not found: "+id, "POST", "/batch")
				return
			}
			txns = append(txns, txn)
		}
	} else {
		var err error
		txns, err = h.stage.ListByStatus(r.Context(), models.StatusNew)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, "System error listing transactions", "POST", "/batch")
			return
		}
	}

	result, err := h.batch.ProcessBatch(r.Context(), actorFromRequest(r, "batch"), req.Filter, txns)
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", "/batch")
		return
	}

	for _, item := range result.Items {
		if item.Succeeded() {
			batchItemsTotal.WithLabelValues("processed").Inc()
			paymentsCommitted.Inc()
		} else {
			batchItemsTotal.WithLabelValues("error").Inc()
		}
	}

	status := http.StatusOK
	if result.PartialFailure {
		status = http.StatusMultiStatus
	}
	h.respondJSON(w, status, result, "POST", "/batch")
}

// Line validation failures are field-level rejections: the session state is
// untouched and the operator corrects the input.
func (h *Handler) respondLineError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case errors.Is(err, service.ErrUnknownInvoice):
		h.respondError(w, http.StatusNotFound, err.Error(), method, endpoint)
	case errors.Is(err, service.ErrNegativeAmount),
		errors.Is(err, service.ErrExceedsInvoiceBalance),
		errors.Is(err, service.ErrExceedsPaymentAmount):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	default:
		h.respondError(w, http.StatusInternalServerError, err.Error(), method, endpoint)
	}
}

func (h *Handler) respondSession(w http.ResponseWriter, sess *service.Session, lines []models.AllocationLine, method, endpoint string) {
	if lines == nil {
		lines = []models.AllocationLine{}
	}
	applied, unallocated := sess.Totals()
	h.respondJSON(w, http.StatusOK, sessionView{
		Transaction:  sess.Transaction(),
		Lines:        lines,
		TotalApplied: applied,
		Unallocated:  unallocated,
	}, method, endpoint)
}

func actorFromRequest(r *http.Request, fallback string) models.Actor {
	actor := models.Actor{ID: r.Header.Get("X-Actor-ID"), BranchID: 1}
	if actor.ID == "" {
		actor.ID = fallback
	}
	if branch := r.Header.Get("X-Branch-ID"); branch != "" {
		if id, err := strconv.ParseInt(branch, 10, 64); err == nil {
			actor.BranchID = id
		}
	}
	return actor
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

func (h *Handler) respondText(w http.ResponseWriter, code int, msg, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintln(w, msg)
}
