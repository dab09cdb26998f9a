// Package nut05 contains structs and the melt-quote state machine as
// defined in [NUT-05].
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import "github.com/duskmint/duskmint/cashu"

// State is the lifecycle of a bolt11 melt quote:
// Unpaid -> Pending -> Paid, Pending -> Unpaid (LN failure rollback),
// or Unpaid -> Expired.
type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Expired
)

func (s State) String() string {
	switch s {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
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
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	case "EXPIRED":
		return Expired
	}
	return Unpaid
}

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	Paid       bool   `json:"paid"`
	State      string `json:"state"`
	Expiry     int64  `json:"expiry"`
}

type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type PostMeltBolt11Response struct {
	Paid            bool                    `json:"paid"`
	PaymentPreimage string                  `json:"payment_preimage"`
	Change          cashu.BlindedSignatures `json:"change,omitempty"`
}
