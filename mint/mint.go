// Package mint implements the Cashu mint's core state machines: keyset
// management, and the mint/melt/swap flows built on top of the crypto
// and storage packages.
package mint

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/duskmint/duskmint/cashu"
	"github.com/duskmint/duskmint/cashu/nuts/nut01"
	"github.com/duskmint/duskmint/cashu/nuts/nut02"
	"github.com/duskmint/duskmint/cashu/nuts/nut04"
	"github.com/duskmint/duskmint/cashu/nuts/nut05"
	"github.com/duskmint/duskmint/cashu/nuts/nut06"
	"github.com/duskmint/duskmint/cashu/nuts/nut07"
	"github.com/duskmint/duskmint/crypto"
	"github.com/duskmint/duskmint/mint/lightning"
	"github.com/duskmint/duskmint/mint/onchain"
	"github.com/duskmint/duskmint/mint/storage"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// unit is the only unit duskmint supports, per spec.
const unit = "sat"

// Mint holds every keyset ever generated (active and retired), the
// storage backend, and the Lightning gateway. Keysets are loaded once at
// start-up and never mutated except by an explicit RotateKeyset call.
type Mint struct {
	db     storage.MintDB
	ln     lightning.Client
	config Config
	logger *slog.Logger

	mu             sync.RWMutex
	keysets        map[string]crypto.Keyset
	activeKeysetId string

	// onchainGateway is nil unless the "btconchain" payment method is
	// configured; every onchain-quote method rejects with
	// PaymentMethodNotSupportedErr while it is nil.
	onchainGateway onchain.Gateway
}

// NewMint loads (or, on first run, generates) the mint's keysets from
// config.MasterSecret and wires up the given storage and Lightning
// backend. The private signing scalars are never persisted; they are
// rederived on every start-up from the master secret plus the
// (unit, derivation_path, generation) coordinates stored in the
// database.
func NewMint(config Config, db storage.MintDB) (*Mint, error) {
	m := &Mint{
		db:             db,
		ln:             config.LightningClient,
		config:         config,
		logger:         defaultLogger(),
		keysets:        make(map[string]crypto.Keyset),
		onchainGateway: config.OnchainGateway,
	}

	dbKeysets, err := db.GetKeysets()
	if err != nil {
		return nil, fmt.Errorf("loading keysets: %v", err)
	}

	if len(dbKeysets) == 0 {
		if err := m.generateAndSaveKeyset(0, config.InputFeePpk, true); err != nil {
			return nil, fmt.Errorf("generating initial keyset: %v", err)
		}
		return m, nil
	}

	for _, dbKeyset := range dbKeysets {
		keyset := crypto.GenerateKeyset(config.MasterSecret, dbKeyset.Unit, dbKeyset.DerivationPath, dbKeyset.Generation)
		keyset.Active = dbKeyset.Active
		keyset.InputFeePpk = dbKeyset.InputFeePpk

		if keyset.Id != dbKeyset.Id {
			return nil, fmt.Errorf("keyset %s: rederived id %s does not match stored id", dbKeyset.Id, keyset.Id)
		}
		m.keysets[keyset.Id] = *keyset
		if dbKeyset.Active {
			m.activeKeysetId = dbKeyset.Id
		}
	}

	return m, nil
}

// generateAndSaveKeyset derives a new keyset at the given generation,
// persists it, and installs it in memory. Callers must hold m.mu for
// writing, except at construction time before any goroutine can observe m.
func (m *Mint) generateAndSaveKeyset(generation uint32, inputFeePpk uint, active bool) error {
	keyset := crypto.GenerateKeyset(m.config.MasterSecret, unit, m.config.DerivationPath, generation)
	keyset.Active = active
	keyset.InputFeePpk = inputFeePpk

	if err := m.db.SaveKeyset(storage.DBKeyset{
		Id:             keyset.Id,
		Unit:           unit,
		Active:         active,
		DerivationPath: m.config.DerivationPath,
		Generation:     generation,
		InputFeePpk:    inputFeePpk,
	}); err != nil {
		return err
	}

	m.keysets[keyset.Id] = *keyset
	if active {
		m.activeKeysetId = keyset.Id
	}
	return nil
}

// RotateKeyset retires the current active keyset and generates a new one
// with the given input_fee_ppk, bumping the generation counter. Proofs
// issued under the retired keyset remain spendable indefinitely: it
// stays loaded for verification, just no longer offered for new signing.
func (m *Mint) RotateKeyset(inputFeePpk uint) (*crypto.Keyset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldActive, ok := m.keysets[m.activeKeysetId]
	nextGeneration := uint32(0)
	if ok {
		nextGeneration = oldActive.Generation + 1
	}

	if ok {
		if err := m.db.UpdateKeysetActive(oldActive.Id, false); err != nil {
			return nil, err
		}
		oldActive.Active = false
		m.keysets[oldActive.Id] = oldActive
	}

	if err := m.generateAndSaveKeyset(nextGeneration, inputFeePpk, true); err != nil {
		return nil, err
	}

	newKeyset := m.keysets[m.activeKeysetId]
	return &newKeyset, nil
}

// ListKeysets returns every keyset the mint has ever issued, active or
// retired.
func (m *Mint) ListKeysets() []nut02.Keyset {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keysets := make([]nut02.Keyset, 0, len(m.keysets))
	for _, keyset := range m.keysets {
		keysets = append(keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}
	return keysets
}

// GetKeys returns the public keys of every active keyset.
func (m *Mint) GetKeys() nut01.GetKeysResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()

	response := nut01.GetKeysResponse{}
	for _, keyset := range m.keysets {
		if !keyset.Active {
			continue
		}
		response.Keysets = append(response.Keysets, nut01.Keyset{
			Id:   keyset.Id,
			Unit: keyset.Unit,
			Keys: keyset.DerivePublic(),
		})
	}
	return response
}

// GetKeysById returns the public keys for a single keyset, active or not.
func (m *Mint) GetKeysById(id string) (nut01.GetKeysResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keyset, ok := m.keysets[id]
	if !ok {
		return nut01.GetKeysResponse{}, cashu.UnknownKeysetErr
	}

	return nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.DerivePublic()}},
	}, nil
}

// MintInfoResponse assembles the static info document a wallet fetches
// from GET /v1/info.
func (m *Mint) MintInfoResponse() nut06.MintInfo {
	m.mu.RLock()
	pubkey := ""
	if keyset, ok := m.keysets[m.activeKeysetId]; ok {
		if pk := keyset.PublicKeyForAmount(1); pk != nil {
			pubkey = hex.EncodeToString(pk.SerializeCompressed())
		}
	}
	m.mu.RUnlock()

	mintMethods := []nut06.MethodSetting{{Method: "bolt11", Unit: unit}}
	meltMethods := []nut06.MethodSetting{{Method: "bolt11", Unit: unit}}
	if m.onchainGateway != nil {
		mintMethods = append(mintMethods, nut06.MethodSetting{Method: onchain.Method, Unit: unit})
		meltMethods = append(meltMethods, nut06.MethodSetting{Method: onchain.Method, Unit: unit})
	}

	return nut06.MintInfo{
		Name:            m.config.MintInfo.Name,
		Pubkey:          pubkey,
		Version:         m.config.MintInfo.Version,
		Description:     m.config.MintInfo.Description,
		LongDescription: m.config.MintInfo.LongDescription,
		Contact:         m.config.MintInfo.Contact,
		Motd:            m.config.MintInfo.Motd,
		IconURL:         m.config.MintInfo.IconURL,
		URLs:            m.config.MintInfo.URLs,
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{
				Methods:  mintMethods,
				Disabled: m.config.MintingDisabled,
			},
			Nut05: nut06.NutSetting{
				Methods: meltMethods,
			},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
		},
	}
}

// keysetById returns any known keyset (active or retired) under read lock.
func (m *Mint) keysetById(id string) (crypto.Keyset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keyset, ok := m.keysets[id]
	return keyset, ok
}

// RequestMintQuote implements NUT-04 step 1: ask the Lightning backend
// for an invoice for amount, persist it as an UNPAID mint quote, and
// return the quote for the wallet to pay off-band.
func (m *Mint) RequestMintQuote(method string, amount uint64, requestUnit string) (nut04.PostMintQuoteBolt11Response, error) {
	if method != "bolt11" {
		return nut04.PostMintQuoteBolt11Response{}, cashu.PaymentMethodNotSupportedErr
	}
	if requestUnit != unit {
		return nut04.PostMintQuoteBolt11Response{}, cashu.UnitNotSupportedErr
	}
	if m.config.MintingDisabled {
		return nut04.PostMintQuoteBolt11Response{}, cashu.MintingDisabled
	}

	invoice, err := m.ln.CreateInvoice(amount)
	if err != nil {
		return nut04.PostMintQuoteBolt11Response{}, cashu.BuildCashuError(fmt.Sprintf("error requesting invoice: %v", err), cashu.LightningBackendErrCode)
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return nut04.PostMintQuoteBolt11Response{}, cashu.StandardErr
	}

	expiry := invoice.Expiry
	if expiry == 0 {
		expiry = uint64(time.Now().Unix()) + uint64(m.config.QuoteExpirySecs)
	}

	quote := storage.MintQuote{
		Id:             quoteId,
		Amount:         amount,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.PaymentHash,
		State:          nut04.Unpaid,
		Expiry:         expiry,
	}
	if err := m.db.SaveMintQuote(quote); err != nil {
		return nut04.PostMintQuoteBolt11Response{}, err
	}

	return mintQuoteResponse(quote), nil
}

func mintQuoteResponse(quote storage.MintQuote) nut04.PostMintQuoteBolt11Response {
	return nut04.PostMintQuoteBolt11Response{
		Quote:   quote.Id,
		Request: quote.PaymentRequest,
		Paid:    quote.State != nut04.Unpaid,
		State:   quote.State.String(),
		Expiry:  int64(quote.Expiry),
	}
}

// GetMintQuoteState refreshes a mint quote's state against the
// Lightning backend if it is still UNPAID, so a wallet polling this
// endpoint observes payment as soon as it settles.
func (m *Mint) GetMintQuoteState(method, quoteId string) (nut04.PostMintQuoteBolt11Response, error) {
	if method != "bolt11" {
		return nut04.PostMintQuoteBolt11Response{}, cashu.PaymentMethodNotSupportedErr
	}

	quote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nut04.PostMintQuoteBolt11Response{}, cashu.QuoteNotExistErr
		}
		return nut04.PostMintQuoteBolt11Response{}, err
	}

	if quote.State == nut04.Unpaid {
		invoice, err := m.ln.InvoiceStatus(quote.PaymentHash)
		if err == nil && invoice.Settled {
			if err := m.db.UpdateMintQuoteState(quoteId, nut04.Unpaid, nut04.Paid); err == nil {
				quote.State = nut04.Paid
			} else if errors.Is(err, storage.ErrQuoteStateConflict) {
				quote, err = m.db.GetMintQuote(quoteId)
				if err != nil {
					return nut04.PostMintQuoteBolt11Response{}, err
				}
			}
		}
	}

	return mintQuoteResponse(quote), nil
}

// MintTokens implements NUT-04 step 2. It is safe to call concurrently
// or repeatedly for the same quote: exactly one caller wins the
// PAID -> ISSUED transition and receives signatures; every later caller
// (including retries) gets QuoteAlreadyIssued.
func (m *Mint) MintTokens(method, quoteId string, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	if method != "bolt11" {
		return nil, cashu.PaymentMethodNotSupportedErr
	}

	quote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, cashu.QuoteNotExistErr
		}
		return nil, err
	}

	if quote.Expiry != 0 && int64(quote.Expiry) < time.Now().Unix() {
		return nil, cashu.QuoteExpiredErr
	}

	if quote.State == nut04.Issued {
		return nil, cashu.MintQuoteAlreadyIssued
	}

	if quote.State == nut04.Unpaid {
		invoice, err := m.ln.InvoiceStatus(quote.PaymentHash)
		if err != nil || !invoice.Settled {
			return nil, cashu.MintQuoteRequestNotPaid
		}
		if err := m.db.UpdateMintQuoteState(quoteId, nut04.Unpaid, nut04.Paid); err != nil {
			if errors.Is(err, storage.ErrQuoteStateConflict) {
				quote, err = m.db.GetMintQuote(quoteId)
				if err != nil {
					return nil, err
				}
				if quote.State == nut04.Issued {
					return nil, cashu.MintQuoteAlreadyIssued
				}
			} else {
				return nil, err
			}
		} else {
			quote.State = nut04.Paid
		}
	}

	outputsAmount, err := m.validateOutputs(outputs)
	if err != nil {
		return nil, err
	}
	if outputsAmount != quote.Amount {
		return nil, cashu.BuildCashuError("sum of outputs does not match quote amount", cashu.AmountLimitExceeded)
	}

	signatures, err := m.signBlindedMessages(outputs)
	if err != nil {
		return nil, err
	}

	if err := m.db.UpdateMintQuoteState(quoteId, nut04.Paid, nut04.Issued); err != nil {
		if errors.Is(err, storage.ErrQuoteStateConflict) {
			return nil, cashu.MintQuoteAlreadyIssued
		}
		return nil, err
	}

	for i, output := range outputs {
		_ = m.db.SaveBlindSignature(output.B_, signatures[i])
	}

	return signatures, nil
}

// validateOutputs enforces the per-output invariants shared by mint,
// melt-change, and swap: every amount is a power of two, every keyset id
// is active, and every B_ decodes to a well-formed curve point. This
// must run, and fully succeed, before any input is marked spent -
// otherwise a malformed B_ would burn inputs without ever reaching
// signBlindedMessages. It returns the sum of amounts.
func (m *Mint) validateOutputs(outputs cashu.BlindedMessages) (uint64, error) {
	var total uint64
	for _, output := range outputs {
		if !cashu.IsPowerOfTwo(output.Amount) {
			return 0, cashu.InvalidProofErr
		}
		keyset, ok := m.keysetById(output.Id)
		if !ok {
			return 0, cashu.UnknownKeysetErr
		}
		if !keyset.Active {
			return 0, cashu.InactiveKeysetErr
		}

		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return 0, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		if _, err := secp256k1.ParsePubKey(B_bytes); err != nil {
			return 0, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		total += output.Amount
	}
	return total, nil
}

// signBlindedMessages signs every output under its declared keyset and
// amount, returning one BlindedSignature per output in the same order.
func (m *Mint) signBlindedMessages(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))

	for i, output := range outputs {
		keyset, ok := m.keysetById(output.Id)
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}

		k := keyset.PrivateKeyForAmount(output.Amount)
		if k == nil {
			return nil, cashu.BuildCashuError("no signing key for amount", cashu.InvalidProofErrCode)
		}

		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		C_ := crypto.SignBlindedMessage(B_, k)
		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			Id:     keyset.Id,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
		}
	}

	return signatures, nil
}

// VerifyProofs checks every proof's BDHKE signature and that its keyset
// is known (active or retired proofs both remain spendable). It does
// NOT check whether the proof has already been spent; callers that need
// that must go through mark_spent inside their own transaction, per
// spec.md's "database is the sole source of truth" rule.
func (m *Mint) VerifyProofs(proofs cashu.Proofs) error {
	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.BuildCashuError("duplicate proofs in request", cashu.InvalidProofErrCode)
	}

	for _, proof := range proofs {
		keyset, ok := m.keysetById(proof.Id)
		if !ok {
			return cashu.UnknownKeysetErr
		}

		k := keyset.PrivateKeyForAmount(proof.Amount)
		if k == nil {
			return cashu.InvalidProofErr
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		if !crypto.Verify([]byte(proof.Secret), k, C) {
			return cashu.InvalidProofErr
		}
	}

	return nil
}

// IssuedEcash returns the total amount signed per keyset id, for the
// admin accounting surface.
func (m *Mint) IssuedEcash() (map[string]uint64, error) {
	return m.db.GetIssuedByKeyset()
}

// RedeemedEcash returns the total amount of proofs spent per keyset id.
func (m *Mint) RedeemedEcash() (map[string]uint64, error) {
	return m.db.GetRedeemedByKeyset()
}

// CheckState implements NUT-07: for each Y value, report whether the
// mint's ledger has it recorded as spent or not. Proofs tied up in a
// pending melt are already in the spent set and are reported as spent;
// the pending state is never reported.
func (m *Mint) CheckState(Ys []string) ([]nut07.ProofState, error) {
	used, err := m.db.GetProofsUsed(Ys)
	if err != nil {
		return nil, err
	}
	usedSet := make(map[string]bool, len(used))
	for _, proof := range used {
		usedSet[proof.Y] = true
	}

	states := make([]nut07.ProofState, len(Ys))
	for i, y := range Ys {
		state := nut07.Unspent
		if usedSet[y] {
			state = nut07.Spent
		}
		states[i] = nut07.ProofState{Y: y, State: state}
	}
	return states, nil
}

// Swap implements NUT-03: burn inputs, mint outputs of equal total
// value. Signing happens before anything touches storage, since it only
// needs the in-memory keysets and cannot fail because of concurrent
// activity; marking inputs spent and persisting the resulting signatures
// then happen inside one database transaction, so the mint can never
// commit one half without the other.
func (m *Mint) Swap(inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	inputsAmount := inputs.Amount()
	outputsAmount, err := m.validateOutputs(outputs)
	if err != nil {
		return nil, err
	}
	if inputsAmount != outputsAmount {
		return nil, cashu.BuildCashuError("inputs and outputs amounts do not match", cashu.InvalidProofErrCode)
	}

	if err := m.VerifyProofs(inputs); err != nil {
		return nil, err
	}

	signatures, err := m.signBlindedMessages(outputs)
	if err != nil {
		return nil, err
	}

	if err := m.db.SpendProofsAndSaveSignatures(inputs, outputs, signatures); err != nil {
		if errors.Is(err, storage.ErrProofAlreadySpent) {
			return nil, cashu.ProofAlreadyUsedErr
		}
		return nil, err
	}

	return signatures, nil
}

// feeReserve computes the Lightning fee reserve the mint requires up
// front for a melt of amountSat, per the configured ppm/min-fee policy.
func (m *Mint) feeReserve(amountSat uint64) uint64 {
	ppmFee := (amountSat*m.config.FeePPM + 999_999) / 1_000_000
	return cashu.Max(ppmFee, m.config.MinFeeSat)
}

// MeltRequest implements NUT-05 step 1: decode the invoice, compute the
// fee reserve the mint demands up front, and persist an UNPAID melt
// quote.
func (m *Mint) MeltRequest(method, request, requestUnit string) (nut05.PostMeltQuoteBolt11Response, error) {
	if method != "bolt11" {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.PaymentMethodNotSupportedErr
	}
	if requestUnit != unit {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.UnitNotSupportedErr
	}

	decoded, err := decodepay.Decodepay(request)
	if err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.BuildCashuError(fmt.Sprintf("invalid invoice: %v", err), cashu.InvalidProofErrCode)
	}
	amountSat := uint64(decoded.MSatoshi / 1000)

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.StandardErr
	}

	quote := storage.MeltQuote{
		Id:             quoteId,
		InvoiceRequest: request,
		PaymentHash:    decoded.PaymentHash,
		Amount:         amountSat,
		FeeReserve:     m.feeReserve(amountSat),
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Unix()) + uint64(m.config.QuoteExpirySecs),
	}
	if err := m.db.SaveMeltQuote(quote); err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, err
	}

	return meltQuoteResponse(quote), nil
}

func meltQuoteResponse(quote storage.MeltQuote) nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      quote.Id,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
		Paid:       quote.State == nut05.Paid,
		State:      quote.State.String(),
		Expiry:     int64(quote.Expiry),
	}
}

func (m *Mint) GetMeltQuoteState(method, quoteId string) (nut05.PostMeltQuoteBolt11Response, error) {
	if method != "bolt11" {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.PaymentMethodNotSupportedErr
	}

	quote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nut05.PostMeltQuoteBolt11Response{}, cashu.QuoteNotExistErr
		}
		return nut05.PostMeltQuoteBolt11Response{}, err
	}

	return meltQuoteResponse(quote), nil
}

// MeltTokens implements NUT-05 step 2 and NUT-08 fee-return change,
// following spec.md §4.G's ordering exactly: proofs are marked spent
// BEFORE the Lightning call, and rolled back only on a definitive
// Lightning failure. A Pending outcome leaves the quote and the spent
// proofs exactly as they are for the background reconciler to resolve.
func (m *Mint) MeltTokens(method, quoteId string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (nut05.PostMeltBolt11Response, error) {
	if method != "bolt11" {
		return nut05.PostMeltBolt11Response{}, cashu.PaymentMethodNotSupportedErr
	}

	quote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nut05.PostMeltBolt11Response{}, cashu.QuoteNotExistErr
		}
		return nut05.PostMeltBolt11Response{}, err
	}

	if quote.Expiry != 0 && int64(quote.Expiry) < time.Now().Unix() {
		return nut05.PostMeltBolt11Response{}, cashu.QuoteExpiredErr
	}

	if quote.State == nut05.Paid {
		return nut05.PostMeltBolt11Response{Paid: true, PaymentPreimage: quote.Preimage}, nil
	}
	if quote.State != nut05.Unpaid {
		return nut05.PostMeltBolt11Response{}, cashu.BuildCashuError("melt quote is not in a payable state", cashu.InvalidQuoteStateErrCode)
	}

	inputsAmount := inputs.Amount()
	required := quote.Amount + quote.FeeReserve
	if inputsAmount < required {
		return nut05.PostMeltBolt11Response{}, cashu.InsufficientProofsAmount
	}

	var outputsAmount uint64
	if len(outputs) > 0 {
		outputsAmount, err = m.validateOutputs(outputs)
		if err != nil {
			return nut05.PostMeltBolt11Response{}, err
		}
		if outputsAmount > quote.FeeReserve {
			return nut05.PostMeltBolt11Response{}, cashu.BuildCashuError("outputs for fee change exceed fee reserve", cashu.InvalidProofErrCode)
		}
	}

	if err := m.VerifyProofs(inputs); err != nil {
		return nut05.PostMeltBolt11Response{}, err
	}

	if err := m.db.MarkProofsSpent(inputs); err != nil {
		if errors.Is(err, storage.ErrProofAlreadySpent) {
			return nut05.PostMeltBolt11Response{}, cashu.ProofAlreadyUsedErr
		}
		return nut05.PostMeltBolt11Response{}, err
	}
	if err := m.db.SaveMeltQuoteProofs(quoteId, inputs); err != nil {
		m.logErrorf("melt quote %s: failed recording spent proofs: %v", quoteId, err)
	}

	if err := m.db.UpdateMeltQuote(quoteId, "", nut05.Unpaid, nut05.Pending); err != nil {
		// someone else already moved this quote; give up the proofs we
		// just spent since we are not the one driving the payment.
		if rollbackErr := m.db.UnmarkProofsSpent(inputs); rollbackErr != nil {
			m.logErrorf("melt quote %s: failed rolling back spent proofs after quote state conflict: %v", quoteId, rollbackErr)
		}
		if errors.Is(err, storage.ErrQuoteStateConflict) {
			return nut05.PostMeltBolt11Response{}, cashu.QuotePendingErr
		}
		return nut05.PostMeltBolt11Response{}, err
	}

	paymentStatus, payErr := m.ln.SendPayment(context.Background(), quote.InvoiceRequest, quote.FeeReserve)

	switch {
	case payErr == nil && paymentStatus.PaymentStatus == lightning.Succeeded:
		return m.finalizeMeltSuccess(quote, paymentStatus.Preimage, outputs, quote.FeeReserve, paymentStatus.FeePaid)

	case payErr == nil && paymentStatus.PaymentStatus == lightning.Pending:
		m.logInfof("melt quote %s: payment pending, deferring to reconciler", quote.Id)
		return nut05.PostMeltBolt11Response{Paid: false}, nil

	default:
		if rollbackErr := m.db.UnmarkProofsSpent(inputs); rollbackErr != nil {
			m.logErrorf("melt quote %s: failed rolling back spent proofs after LN failure: %v", quote.Id, rollbackErr)
		}
		if err := m.db.UpdateMeltQuote(quoteId, "", nut05.Pending, nut05.Unpaid); err != nil && !errors.Is(err, storage.ErrQuoteStateConflict) {
			m.logErrorf("melt quote %s: failed reverting quote state after LN failure: %v", quote.Id, err)
		}
		return nut05.PostMeltBolt11Response{}, cashu.BuildCashuError(fmt.Sprintf("lightning payment failed: %v", payErr), cashu.LightningPaymentErrCode)
	}
}

// finalizeMeltSuccess signs fee-change outputs for the difference
// between the reserved fee and what was actually charged, then commits
// the quote's terminal PAID state.
func (m *Mint) finalizeMeltSuccess(quote storage.MeltQuote, preimage string, outputs cashu.BlindedMessages, feeReserve, feePaid uint64) (nut05.PostMeltBolt11Response, error) {
	var change cashu.BlindedSignatures

	unspentReserve := uint64(0)
	if feeReserve > feePaid {
		unspentReserve = feeReserve - feePaid
	}

	if len(outputs) > 0 && unspentReserve > 0 {
		changeAmounts := cashu.AmountSplit(unspentReserve)
		changeOutputs := zipChangeOutputs(outputs, changeAmounts)
		if len(changeOutputs) > 0 {
			signed, err := m.signBlindedMessages(changeOutputs)
			if err == nil {
				change = signed
				for i, output := range changeOutputs {
					_ = m.db.SaveBlindSignature(output.B_, signed[i])
				}
			} else {
				m.logErrorf("melt quote %s: failed signing fee change, dropping change: %v", quote.Id, err)
			}
		}
	}

	if err := m.db.UpdateMeltQuote(quote.Id, preimage, nut05.Pending, nut05.Paid); err != nil && !errors.Is(err, storage.ErrQuoteStateConflict) {
		return nut05.PostMeltBolt11Response{}, err
	}

	return nut05.PostMeltBolt11Response{
		Paid:            true,
		PaymentPreimage: preimage,
		Change:          change,
	}, nil
}

// pendingMeltQuoteIds lists the ids of every melt quote currently
// awaiting reconciliation.
func (m *Mint) pendingMeltQuoteIds() ([]string, error) {
	quotes, err := m.db.GetPendingMeltQuotes()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(quotes))
	for i, quote := range quotes {
		ids[i] = quote.Id
	}
	return ids, nil
}

// spentProofsForQuote returns the proofs that were marked spent to pay
// the given melt quote, as recorded by SaveMeltQuoteProofs.
func (m *Mint) spentProofsForQuote(quote storage.MeltQuote) (cashu.Proofs, error) {
	return m.db.GetMeltQuoteProofs(quote.Id)
}

// zipChangeOutputs assigns each amount in changeAmounts (ascending
// powers of two, as produced by cashu.AmountSplit) to the wallet's
// declared outputs in order, dropping any amount for which no matching
// output was declared. Per spec.md's "declared order, drop unfillable
// slots" rule, any leftover amount the wallet didn't provide outputs for
// is retained by the mint.
func zipChangeOutputs(outputs cashu.BlindedMessages, changeAmounts []uint64) cashu.BlindedMessages {
	if len(changeAmounts) > len(outputs) {
		changeAmounts = changeAmounts[:len(outputs)]
	}

	result := make(cashu.BlindedMessages, len(changeAmounts))
	for i, amount := range changeAmounts {
		result[i] = outputs[i]
		result[i].Amount = amount
	}
	return result
}
