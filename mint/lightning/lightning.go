// Package lightning abstracts the Lightning Network backend a mint pays
// out through and receives mint-quote invoices from, behind one Client
// interface. Concrete backends (Lnd, Cln, Lnbits, Alby, Strike, Fake) all
// speak this interface; the mint's melt/mint flows never see which one
// is configured.
package lightning

import (
	"context"
	"errors"
)

// Client is what the mint needs from a Lightning node or hosted wallet
// to quote and settle invoices.
type Client interface {
	ConnectionStatus() error
	CreateInvoice(amount uint64) (Invoice, error)
	InvoiceStatus(hash string) (Invoice, error)
	SendPayment(ctx context.Context, request string, feeReserve uint64) (PaymentStatus, error)
	OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error)
	FeeReserve(amount uint64) uint64
}

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	Settled        bool
	Amount         uint64
	Expiry         uint64
}

type PaymentResult int

const (
	Pending PaymentResult = iota
	Succeeded
	Failed
)

func (r PaymentResult) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

type PaymentStatus struct {
	Preimage      string
	PaymentStatus PaymentResult
	// FeePaid is the actual Lightning routing fee charged for a completed
	// payment, in sats. Backends that cannot report it return the full fee
	// reserve here, so callers computing NUT-08 change never overpay.
	FeePaid uint64
}

var OutgoingPaymentNotFound = errors.New("outgoing payment not found")
