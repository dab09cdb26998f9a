// Package nut04 contains structs and the mint-quote state machine as
// defined in [NUT-04].
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import "github.com/duskmint/duskmint/cashu"

// State is the lifecycle of a bolt11 mint quote:
// Unpaid -> Paid -> Issued, or Unpaid -> Expired.
type State int

const (
	Unpaid State = iota
	Paid
	Issued
	Expired
)

func (s State) String() string {
	switch s {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	case Expired:
		return "EXPIRED"
	default:
		return "unknown"
	}
}

func StringToState(s string) State {
	switch s {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "ISSUED":
		return Issued
	case "EXPIRED":
		return Expired
	}
	return Unpaid
}

type PostMintQuoteBolt11Request struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	Paid    bool   `json:"paid"`
	State   string `json:"state"`
	Expiry  int64  `json:"expiry"`
}

type PostMintBolt11Request struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
