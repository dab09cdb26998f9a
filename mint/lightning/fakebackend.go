package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// FakePreimage is returned by every FakeBackend outgoing payment. It
// exists purely so tests and local development don't need a real node.
const FakePreimage = "0000000000000000000000000000000000000000000000000000000000000000"

// FeePercent is the flat percentage FakeBackend and CLNClient charge on
// top of an outgoing payment amount as their Lightning routing fee
// reserve.
const FeePercent = 1

type FakeBackend struct {
	mu           sync.Mutex
	invoices     []Invoice
	outgoing     []Invoice
	failPayments bool
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{}
}

// FailPayments makes every subsequent SendPayment call return a
// definitive Failed status, the way a real backend would report a
// route failure. It exists for exercising the mint's melt rollback
// path without a real node.
func (fb *FakeBackend) FailPayments(fail bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.failPayments = fail
}

func (fb *FakeBackend) ConnectionStatus() error { return nil }

func (fb *FakeBackend) CreateInvoice(amount uint64) (Invoice, error) {
	req, preimage, paymentHash, err := createFakeInvoice(amount)
	if err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		PaymentRequest: req,
		PaymentHash:    paymentHash,
		Preimage:       preimage,
		Settled:        true,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(ClnInvoiceExpirySecs * time.Second).Unix()),
	}

	fb.mu.Lock()
	fb.invoices = append(fb.invoices, invoice)
	fb.mu.Unlock()

	return invoice, nil
}

func (fb *FakeBackend) InvoiceStatus(hash string) (Invoice, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	idx := slices.IndexFunc(fb.invoices, func(i Invoice) bool { return i.PaymentHash == hash })
	if idx == -1 {
		return Invoice{}, errors.New("invoice does not exist")
	}
	return fb.invoices[idx], nil
}

func (fb *FakeBackend) SendPayment(ctx context.Context, request string, feeReserve uint64) (PaymentStatus, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentStatus{}, fmt.Errorf("error decoding invoice: %v", err)
	}

	fb.mu.Lock()
	fail := fb.failPayments
	fb.mu.Unlock()
	if fail {
		return PaymentStatus{PaymentStatus: Failed}, errors.New("fake backend: payment route failed")
	}

	outgoing := Invoice{
		PaymentRequest: request,
		PaymentHash:    invoice.PaymentHash,
		Preimage:       FakePreimage,
		Settled:        true,
	}

	fb.mu.Lock()
	fb.outgoing = append(fb.outgoing, outgoing)
	fb.mu.Unlock()

	// Charge half the reserve, so tests exercising fee change can observe
	// a nonzero unspent amount without the payment ever failing.
	feePaid := feeReserve / 2

	return PaymentStatus{Preimage: FakePreimage, PaymentStatus: Succeeded, FeePaid: feePaid}, nil
}

func (fb *FakeBackend) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	idx := slices.IndexFunc(fb.outgoing, func(i Invoice) bool { return i.PaymentHash == hash })
	if idx == -1 {
		return PaymentStatus{}, OutgoingPaymentNotFound
	}
	return PaymentStatus{Preimage: fb.outgoing[idx].Preimage, PaymentStatus: Succeeded}, nil
}

func (fb *FakeBackend) FeeReserve(amount uint64) uint64 {
	return (amount * FeePercent) / 100
}

func createFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("duskmint fake invoice"),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return nil, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
