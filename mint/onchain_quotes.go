package mint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duskmint/duskmint/cashu"
	"github.com/duskmint/duskmint/cashu/nuts/nut04"
	"github.com/duskmint/duskmint/cashu/nuts/nut05"
	"github.com/duskmint/duskmint/mint/onchain"
	"github.com/duskmint/duskmint/mint/storage"
)

// onchainSatPerVbyte is the fee rate duskmint asks its on-chain gateway to pay
// with when settling melt quotes. A production deployment would source
// this from a fee estimator; a fixed rate keeps this variant simple.
const onchainSatPerVbyte = 10

// RequestOnchainMintQuote implements the "btconchain" method's mint quote
// step: it hands out a fresh receive address instead of a bolt11 invoice,
// reusing the same MintQuote row shape (PaymentRequest and PaymentHash
// both hold the address, since there is no separate invoice hash).
func (m *Mint) RequestOnchainMintQuote(amount uint64, requestUnit string) (nut04.PostMintQuoteBolt11Response, error) {
	if m.onchainGateway == nil {
		return nut04.PostMintQuoteBolt11Response{}, cashu.PaymentMethodNotSupportedErr
	}
	if requestUnit != unit {
		return nut04.PostMintQuoteBolt11Response{}, cashu.UnitNotSupportedErr
	}
	if m.config.MintingDisabled {
		return nut04.PostMintQuoteBolt11Response{}, cashu.MintingDisabled
	}

	address, err := m.onchainGateway.NewAddress(context.Background())
	if err != nil {
		return nut04.PostMintQuoteBolt11Response{}, cashu.BuildCashuError(fmt.Sprintf("error requesting onchain address: %v", err), cashu.LightningBackendErrCode)
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return nut04.PostMintQuoteBolt11Response{}, cashu.StandardErr
	}

	quote := storage.MintQuote{
		Id:             quoteId,
		Amount:         amount,
		PaymentRequest: address,
		PaymentHash:    address,
		State:          nut04.Unpaid,
		Expiry:         uint64(time.Now().Unix()) + uint64(m.config.QuoteExpirySecs),
	}
	if err := m.db.SaveMintQuote(quote); err != nil {
		return nut04.PostMintQuoteBolt11Response{}, err
	}

	return mintQuoteResponse(quote), nil
}

// GetOnchainMintQuoteState polls the gateway for confirmed on-chain
// receipt of quote.Amount at quote.PaymentRequest, requiring one
// confirmation before flipping the quote to PAID.
func (m *Mint) GetOnchainMintQuoteState(quoteId string) (nut04.PostMintQuoteBolt11Response, error) {
	if m.onchainGateway == nil {
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
		paid, err := m.onchainGateway.IsPaid(context.Background(), quote.PaymentRequest, quote.Amount, 1)
		if err == nil && paid {
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

// MintOnchainTokens is MintTokens's on-chain counterpart: identical
// output-validation and signature-issuance logic, gated on the quote
// having already been marked PAID by GetOnchainMintQuoteState.
func (m *Mint) MintOnchainTokens(quoteId string, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	if m.onchainGateway == nil {
		return nil, cashu.PaymentMethodNotSupportedErr
	}

	quote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, cashu.QuoteNotExistErr
		}
		return nil, err
	}
	if quote.State == nut04.Issued {
		return nil, cashu.MintQuoteAlreadyIssued
	}
	if quote.State != nut04.Paid {
		return nil, cashu.MintQuoteRequestNotPaid
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

// RequestOnchainMeltQuote quotes paying amountSat to an on-chain address
// instead of decoding a bolt11 invoice; the fee reserve comes from the
// gateway's own fee estimator rather than the fixed melt fee formula.
func (m *Mint) RequestOnchainMeltQuote(address string, amountSat uint64, requestUnit string) (nut05.PostMeltQuoteBolt11Response, error) {
	if m.onchainGateway == nil {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.PaymentMethodNotSupportedErr
	}
	if requestUnit != unit {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.UnitNotSupportedErr
	}
	if err := onchain.ValidateAddress(address, m.config.OnchainParams); err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.BuildCashuError(fmt.Sprintf("invalid address: %v", err), cashu.InvalidProofErrCode)
	}

	estimate, err := m.onchainGateway.EstimateFee(context.Background(), address, amountSat)
	if err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.BuildCashuError(fmt.Sprintf("error estimating onchain fee: %v", err), cashu.LightningBackendErrCode)
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, cashu.StandardErr
	}

	quote := storage.MeltQuote{
		Id:             quoteId,
		InvoiceRequest: address,
		PaymentHash:    address,
		Amount:         amountSat,
		FeeReserve:     estimate.FeeSat,
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Unix()) + uint64(m.config.QuoteExpirySecs),
	}
	if err := m.db.SaveMeltQuote(quote); err != nil {
		return nut05.PostMeltQuoteBolt11Response{}, err
	}

	return meltQuoteResponse(quote), nil
}

func (m *Mint) GetOnchainMeltQuoteState(quoteId string) (nut05.PostMeltQuoteBolt11Response, error) {
	if m.onchainGateway == nil {
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

// MeltOnchainTokens pays quote.InvoiceRequest (an address) on-chain,
// marking proofs spent first exactly like MeltTokens does for bolt11.
// It never mints fee-return change: on-chain fees are exact at broadcast
// time, so there is no reserve left over to give back.
func (m *Mint) MeltOnchainTokens(quoteId string, inputs cashu.Proofs) (nut05.PostMeltBolt11Response, error) {
	if m.onchainGateway == nil {
		return nut05.PostMeltBolt11Response{}, cashu.PaymentMethodNotSupportedErr
	}

	quote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nut05.PostMeltBolt11Response{}, cashu.QuoteNotExistErr
		}
		return nut05.PostMeltBolt11Response{}, err
	}

	if quote.State == nut05.Paid {
		return nut05.PostMeltBolt11Response{Paid: true, PaymentPreimage: quote.Preimage}, nil
	}
	if quote.State != nut05.Unpaid {
		return nut05.PostMeltBolt11Response{}, cashu.BuildCashuError("melt quote is not in a payable state", cashu.InvalidQuoteStateErrCode)
	}

	required := quote.Amount + quote.FeeReserve
	if inputs.Amount() < required {
		return nut05.PostMeltBolt11Response{}, cashu.InsufficientProofsAmount
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
		m.logErrorf("onchain melt quote %s: failed recording spent proofs: %v", quoteId, err)
	}

	result, err := m.onchainGateway.SendCoins(context.Background(), quote.InvoiceRequest, quote.Amount, onchainSatPerVbyte)
	if err != nil {
		if rollbackErr := m.db.UnmarkProofsSpent(inputs); rollbackErr != nil {
			m.logErrorf("onchain melt quote %s: failed rolling back proofs: %v", quoteId, rollbackErr)
		}
		return nut05.PostMeltBolt11Response{}, cashu.BuildCashuError(fmt.Sprintf("error broadcasting onchain payment: %v", err), cashu.LightningBackendErrCode)
	}

	if err := m.db.UpdateMeltQuote(quoteId, result.Txid, nut05.Unpaid, nut05.Paid); err != nil && !errors.Is(err, storage.ErrQuoteStateConflict) {
		m.logErrorf("onchain melt quote %s: failed recording paid state: %v", quoteId, err)
	}

	return nut05.PostMeltBolt11Response{Paid: true, PaymentPreimage: result.Txid}, nil
}
