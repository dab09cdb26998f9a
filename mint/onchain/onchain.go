// Package onchain implements a minimal on-chain BTC payment method
// alongside bolt11, for mints that want to accept and pay out on-chain
// transactions instead of Lightning invoices. It is disabled unless a
// Gateway is configured, and never touches the bolt11 quote flows.
package onchain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Method is the payment method string mint/melt quote requests use to
// select the on-chain flow instead of "bolt11".
const Method = "btconchain"

var ErrAddressNotPaid = errors.New("onchain: address has not received the requested amount")

// Gateway is the boundary between the mint and whatever on-chain wallet
// backs it. Implementations dial a full node or wallet daemon.
type Gateway interface {
	NewAddress(ctx context.Context) (string, error)
	SendCoins(ctx context.Context, address string, amountSat uint64, satPerVbyte uint32) (SendResult, error)
	EstimateFee(ctx context.Context, address string, amountSat uint64) (FeeEstimate, error)
	IsPaid(ctx context.Context, address string, amountSat uint64, minConfirmations uint8) (bool, error)
	IsTransactionPaid(ctx context.Context, txid string) (bool, error)
}

type SendResult struct {
	Txid string
}

type FeeEstimate struct {
	FeeSat      uint64
	SatPerVbyte uint32
}

// ValidateAddress rejects addresses that don't decode for the given
// network, before the mint ever asks its backend to watch or pay one.
func ValidateAddress(address string, params *chaincfg.Params) error {
	_, err := btcutil.DecodeAddress(address, params)
	return err
}
