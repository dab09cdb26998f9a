// Package storage defines the persistence boundary between the mint's
// state machines and whatever database backs them. All mutations that
// move a quote or a proof through its lifecycle are expressed as either
// an insert that fails on a uniqueness conflict (spending a proof) or a
// compare-and-swap update keyed on the caller's expected current state
// (advancing a quote) - the database transaction is the only
// concurrency boundary the mint relies on, never an in-memory lock.
package storage

import (
	"errors"

	"github.com/duskmint/duskmint/cashu"
	"github.com/duskmint/duskmint/cashu/nuts/nut04"
	"github.com/duskmint/duskmint/cashu/nuts/nut05"
)

// ErrQuoteStateConflict is returned by UpdateMintQuoteState/UpdateMeltQuote
// when the quote's current state does not match the caller's expectation,
// i.e. someone else already advanced it.
var ErrQuoteStateConflict = errors.New("quote state changed concurrently")

// ErrProofAlreadySpent is returned by MarkProofsSpent when one or more of
// the given proofs is already present in the spent set.
var ErrProofAlreadySpent = errors.New("proof already spent")

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("not found")

type MintDB interface {
	GetBalance() (uint64, error)
	// GetIssuedByKeyset sums signed output amounts per keyset id, for the
	// admin accounting surface.
	GetIssuedByKeyset() (map[string]uint64, error)
	// GetRedeemedByKeyset sums spent-proof amounts per keyset id.
	GetRedeemedByKeyset() (map[string]uint64, error)

	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	// MarkProofsSpent atomically inserts the given proofs' Y values into
	// the spent set. It returns ErrProofAlreadySpent, and inserts none of
	// them, if any single one is already present.
	MarkProofsSpent(cashu.Proofs) error
	// SpendProofsAndSaveSignatures marks inputs spent and persists the
	// outputs' blind signatures in one transaction, for callers (swap)
	// that must never commit one half without the other.
	SpendProofsAndSaveSignatures(inputs cashu.Proofs, outputs cashu.BlindedMessages, signatures cashu.BlindedSignatures) error
	// UnmarkProofsSpent deletes the given proofs from the spent set. It
	// exists solely for melt's failure path: Lightning definitively
	// refused payment, so the proofs the mint provisionally spent must be
	// released back to the wallet.
	UnmarkProofsSpent(cashu.Proofs) error
	GetProofsUsed(Ys []string) ([]DBProof, error)

	SaveMintQuote(MintQuote) error
	GetMintQuote(string) (MintQuote, error)
	// UpdateMintQuoteState moves a quote from expected to next, failing
	// with ErrQuoteStateConflict if the stored state no longer matches
	// expected.
	UpdateMintQuoteState(quoteId string, expected, next nut04.State) error

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(string) (MeltQuote, error)
	// UpdateMeltQuote moves a quote from expected to next and records the
	// payment preimage (empty if none yet), failing with
	// ErrQuoteStateConflict if the stored state no longer matches expected.
	UpdateMeltQuote(quoteId string, preimage string, expected, next nut05.State) error
	// GetPendingMeltQuotes returns every melt quote currently in the
	// PENDING state, for the background reconciler to sweep.
	GetPendingMeltQuotes() ([]MeltQuote, error)
	// SaveMeltQuoteProofs records which proofs were spent to pay a melt
	// quote, so a later reconciler pass can find them again if the
	// payment must be rolled back.
	SaveMeltQuoteProofs(quoteId string, proofs cashu.Proofs) error
	// GetMeltQuoteProofs returns the proofs previously recorded against a
	// melt quote by SaveMeltQuoteProofs.
	GetMeltQuoteProofs(quoteId string) (cashu.Proofs, error)
	// ExpireQuotes moves every UNPAID mint/melt quote with an expiry
	// timestamp before cutoff into the EXPIRED state, and reports how many
	// of each it touched.
	ExpireQuotes(cutoff int64) (mintExpired, meltExpired int, err error)

	SaveBlindSignature(B_ string, blindSignature cashu.BlindedSignature) error
	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)

	Close()
}

// DBKeyset is a keyset as persisted by the mint. The signing scalars
// themselves are never stored; only the coordinates needed to rederive
// them from the mint's master seed (Generation and DerivationPath) are.
type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPath    string
	Generation        uint32
	InputFeePpk       uint
}

type DBProof struct {
	Amount uint64
	Id     string
	Secret string
	Y      string
	C      string
}

type MintQuote struct {
	Id             string
	Amount         uint64
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
}

type MeltQuote struct {
	Id             string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
}
