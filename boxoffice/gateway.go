package boxoffice

import (
	"context"
	"errors"
	"time"
)

// ErrChargeNotFound is returned by Gateway.Status when the provider has no
// record of the key.
var ErrChargeNotFound = errors.New("charge not found at provider")

type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
	ChargePending   ChargeStatus = "pending"
	ChargeRefunded  ChargeStatus = "refunded"
)

type ChargeRequest struct {
	IdempotencyKey string
	Amount         Money
	Method         PaymentMethod
	UserID         string
	Payload        map[string]string
}

type ChargeResult struct {
	Status            ChargeStatus
	ExternalReference string
	FailureReason     string
}

// Gateway is an external payment provider. Providers deduplicate on the
// idempotency key, so Charge may be repeated for the same payment.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Status(ctx context.Context, idempotencyKey string) (ChargeResult, error)

	// Refund must be idempotent on the key: refunding an already refunded
	// charge succeeds and moves no money.
	Refund(ctx context.Context, idempotencyKey string, amount Money) error
}

// ProviderRecord is the provider's view of one payment.
type ProviderRecord struct {
	IdempotencyKey    string
	ExternalReference string
	Amount            Money
	Status            ChargeStatus
	UpdatedAt         time.Time
}

// ProviderRecords lists the provider's settlements for reconciliation.
type ProviderRecords interface {
	Records(ctx context.Context, since time.Time) ([]ProviderRecord, error)
}
