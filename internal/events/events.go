// Package events publishes reconciliation lifecycle notifications for
// downstream consumers. Publishing is strictly fire-and-forget: a broken
// broker must never fail an ingest or a commit.
package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

const (
	SubjectStaged    = "bankrecon.staged"
	SubjectProcessed = "bankrecon.processed"
)

// StagedEvent announces a newly staged inbound payment.
type StagedEvent struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	CurrencyCode  string          `json:"currency_code"`
	BillReference string          `json:"bill_reference,omitempty"`
}

// ProcessedEvent announces a committed payment for a staged transaction.
type ProcessedEvent struct {
	TransactionID    string `json:"transaction_id"`
	PaymentReference string `json:"payment_reference"`
}

type envelope struct {
	EventID string    `json:"event_id"`
	At      time.Time `json:"at"`
	Data    any       `json:"data"`
}

type Publisher interface {
	Publish(subject string, event any)
}

// NATSPublisher pushes events to a NATS subject.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(subject string, event any) {
	body, err := json.Marshal(envelope{
		EventID: uuid.NewString(),
		At:      time.Now().UTC(),
		Data:    event,
	})
	if err != nil {
		log.Printf("event marshal failed for %s: %v", subject, err)
		return
	}
	if err := p.nc.Publish(subject, body); err != nil {
		log.Printf("event publish failed for %s: %v", subject, err)
	}
}

func (p *NATSPublisher) Close() {
	p.nc.Drain()
}

// Noop is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(string, any) {}
