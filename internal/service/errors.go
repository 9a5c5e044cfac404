package service

import "errors"

var (
	// Ingest failures.
	ErrMalformedPayload     = errors.New("invalid or empty payload")
	ErrMissingCorrelationId = errors.New("provider transaction id is required")
	ErrInvalidSignature     = errors.New("payload signature verification failed")

	// Commit preconditions.
	ErrCustomerRequired      = errors.New("customer is required")
	ErrAmountInvalid         = errors.New("transaction amount must be greater than zero")
	ErrPaymentMethodRequired = errors.New("payment method is required")
	ErrCashAccountRequired   = errors.New("cash account is required")
	ErrPeriodRequired        = errors.New("application period is required")
	ErrAlreadyProcessed      = errors.New("transaction is already processed")

	// Allocation line validation.
	ErrNegativeAmount        = errors.New("amount cannot be negative")
	ErrExceedsInvoiceBalance = errors.New("amount exceeds invoice balance")
	ErrExceedsPaymentAmount  = errors.New("total applied exceeds payment amount")
	ErrUnknownInvoice        = errors.New("invoice is not part of this session")

	// Batch.
	ErrMissingFilterParams = errors.New("batch filter parameters are incomplete")

	// Wraps any unexpected downstream failure during commit.
	ErrCommitFailed = errors.New("failed to create payment")
)
