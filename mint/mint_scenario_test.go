package mint

import (
	"encoding/hex"
	"math/rand"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/duskmint/duskmint/cashu"
	"github.com/duskmint/duskmint/cashu/nuts/nut05"
	"github.com/duskmint/duskmint/cashu/nuts/nut07"
	"github.com/duskmint/duskmint/crypto"
	"github.com/duskmint/duskmint/mint/lightning"
	"github.com/duskmint/duskmint/mint/storage/sqlite"
)

// newTestMint builds a Mint against a throwaway sqlite database and a
// FakeBackend, the same way the manager and server tests would wire up
// a real deployment, minus the network listeners.
func newTestMint(t *testing.T) (*Mint, *lightning.FakeBackend) {
	t.Helper()

	dir := t.TempDir()
	db, err := sqlite.InitSQLite(dir, "./storage/sqlite/migrations")
	if err != nil {
		t.Fatalf("error opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fb := lightning.NewFakeBackend()
	config := Config{
		MasterSecret:    []byte("test-master-secret-1234567890ab"),
		DerivationPath:  "m/0'/0'/0'",
		QuoteExpirySecs: 600,
		LightningClient: fb,
		MinFeeSat:       1,
	}

	m, err := NewMint(config, db)
	if err != nil {
		t.Fatalf("error constructing mint: %v", err)
	}
	return m, fb
}

// walletSecret generates a fresh random secret, the way a wallet would
// before blinding it.
func walletSecret(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(rand.Intn(256))
	}
	return b
}

// walletOutput is one BlindedMessage of a given amount under a keyset id,
// plus the unblinding material the wallet needs to turn the mint's
// signature into a spendable proof. blindOutputs builds one per amount.
type walletOutput struct {
	secret []byte
	r      *secp256k1.PrivateKey
	msg    cashu.BlindedMessage
}

func blindOutputs(t *testing.T, keysetId string, amounts []uint64) []walletOutput {
	t.Helper()
	outputs := make([]walletOutput, len(amounts))
	for i, amount := range amounts {
		secret := walletSecret(t)
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatalf("error generating blinding factor: %v", err)
		}
		B_, _ := crypto.BlindMessage(secret, r.Serialize())
		outputs[i] = walletOutput{
			secret: secret,
			r:      r,
			msg: cashu.BlindedMessage{
				Amount: amount,
				Id:     keysetId,
				B_:     hex.EncodeToString(B_.SerializeCompressed()),
			},
		}
	}
	return outputs
}

func toBlindedMessages(outputs []walletOutput) cashu.BlindedMessages {
	msgs := make(cashu.BlindedMessages, len(outputs))
	for i, o := range outputs {
		msgs[i] = o.msg
	}
	return msgs
}

// unblindProofs turns the mint's signatures back into spendable proofs
// using the blinding material blindOutputs produced.
func unblindProofs(t *testing.T, keyset crypto.Keyset, outputs []walletOutput, signatures cashu.BlindedSignatures) cashu.Proofs {
	t.Helper()
	if len(signatures) != len(outputs) {
		t.Fatalf("expected %d signatures, got %d", len(outputs), len(signatures))
	}

	proofs := make(cashu.Proofs, len(outputs))
	for i, o := range outputs {
		C_bytes, err := hex.DecodeString(signatures[i].C_)
		if err != nil {
			t.Fatalf("error decoding signature: %v", err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			t.Fatalf("error parsing signature: %v", err)
		}

		K := keyset.PublicKeyForAmount(o.msg.Amount)
		C := crypto.UnblindSignature(C_, o.r, K)

		proofs[i] = cashu.Proof{
			Amount: o.msg.Amount,
			Id:     o.msg.Id,
			Secret: string(o.secret),
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs
}

func mintProofs(t *testing.T, m *Mint, fb *lightning.FakeBackend, amount uint64) cashu.Proofs {
	t.Helper()

	quote, err := m.RequestMintQuote("bolt11", amount, unit)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	keys := m.GetKeys()
	if len(keys.Keysets) == 0 {
		t.Fatal("mint has no active keyset")
	}
	keysetId := keys.Keysets[0].Id
	keyset, ok := m.keysetById(keysetId)
	if !ok {
		t.Fatalf("keyset %s not found on mint", keysetId)
	}

	outputs := blindOutputs(t, keysetId, cashu.AmountSplit(amount))

	// FakeBackend settles invoices at creation time, so the quote is
	// already payable on the very first call.
	signatures, err := m.MintTokens("bolt11", quote.Quote, toBlindedMessages(outputs))
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}

	return unblindProofs(t, keyset, outputs, signatures)
}

func TestMintHappyPath(t *testing.T) {
	m, fb := newTestMint(t)

	invoice, err := fb.CreateInvoice(64)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}

	quote, err := m.RequestMintQuote("bolt11", 64, unit)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	if quote.Request == invoice.PaymentRequest {
		t.Fatalf("expected two separate invoices from two separate quote requests")
	}

	got, err := m.GetMintQuoteState("bolt11", quote.Quote)
	if err != nil {
		t.Fatalf("error getting mint quote state: %v", err)
	}
	if !got.Paid {
		t.Fatal("expected quote to be observed as paid: FakeBackend always settles")
	}

	keys := m.GetKeys()
	keysetId := keys.Keysets[0].Id
	outputs := blindOutputs(t, keysetId, cashu.AmountSplit(64))

	signatures, err := m.MintTokens("bolt11", quote.Quote, toBlindedMessages(outputs))
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}
	if len(signatures) != len(outputs) {
		t.Fatalf("expected %d signatures, got %d", len(outputs), len(signatures))
	}

	if _, err := m.MintTokens("bolt11", quote.Quote, toBlindedMessages(outputs)); err != cashu.MintQuoteAlreadyIssued {
		t.Fatalf("expected MintQuoteAlreadyIssued on replay, got %v", err)
	}
}

func TestSwapPreservesAmountAndUnblinds(t *testing.T) {
	m, fb := newTestMint(t)

	proofs := mintProofs(t, m, fb, 8)

	keys := m.GetKeys()
	keysetId := keys.Keysets[0].Id
	newOutputs := blindOutputs(t, keysetId, cashu.AmountSplit(8))

	signatures, err := m.Swap(proofs, toBlindedMessages(newOutputs))
	if err != nil {
		t.Fatalf("error swapping proofs: %v", err)
	}

	keyset, _ := m.keysetById(keysetId)
	newProofs := unblindProofs(t, keyset, newOutputs, signatures)

	var total uint64
	for _, p := range newProofs {
		total += p.Amount
	}
	if total != 8 {
		t.Fatalf("expected total amount 8 after swap, got %d", total)
	}

	states, err := m.CheckState(ysOf(t, proofs))
	if err != nil {
		t.Fatalf("error checking state: %v", err)
	}
	for _, s := range states {
		if s.State != nut07.Spent {
			t.Fatalf("expected original proofs to be spent after swap, got %v", s.State)
		}
	}
}

func TestSwapRejectsDoubleSpend(t *testing.T) {
	m, fb := newTestMint(t)
	proofs := mintProofs(t, m, fb, 4)

	keys := m.GetKeys()
	keysetId := keys.Keysets[0].Id

	outputs1 := blindOutputs(t, keysetId, cashu.AmountSplit(4))
	if _, err := m.Swap(proofs, toBlindedMessages(outputs1)); err != nil {
		t.Fatalf("error on first swap: %v", err)
	}

	outputs2 := blindOutputs(t, keysetId, cashu.AmountSplit(4))
	if _, err := m.Swap(proofs, toBlindedMessages(outputs2)); err != cashu.ProofAlreadyUsedErr {
		t.Fatalf("expected ProofAlreadyUsedErr replaying spent proofs, got %v", err)
	}
}

func TestMeltWithFeeChange(t *testing.T) {
	m, fb := newTestMint(t)
	m.config.MinFeeSat = 10

	proofs := mintProofs(t, m, fb, 128)

	payeeInvoice, err := fb.CreateInvoice(100)
	if err != nil {
		t.Fatalf("error creating payee invoice: %v", err)
	}

	quote, err := m.MeltRequest("bolt11", payeeInvoice.PaymentRequest, unit)
	if err != nil {
		t.Fatalf("error requesting melt quote: %v", err)
	}
	if quote.FeeReserve != 10 {
		t.Fatalf("expected fee reserve 10, got %d", quote.FeeReserve)
	}

	keys := m.GetKeys()
	keysetId := keys.Keysets[0].Id
	changeOutputs := blindOutputs(t, keysetId, cashu.AmountSplit(quote.FeeReserve))

	result, err := m.MeltTokens("bolt11", quote.Quote, proofs, toBlindedMessages(changeOutputs))
	if err != nil {
		t.Fatalf("error melting tokens: %v", err)
	}
	if !result.Paid {
		t.Fatal("expected melt to settle: FakeBackend always succeeds")
	}
	if len(result.Change) == 0 {
		t.Fatal("expected nonzero fee-return change: FakeBackend charges only half the reserve")
	}

	var changeTotal uint64
	for _, sig := range result.Change {
		changeTotal += sig.Amount
	}
	if changeTotal != 5 {
		t.Fatalf("expected 5 sats of change (10 reserved, 5 charged), got %d", changeTotal)
	}
}

func TestMeltInsufficientProofsRejected(t *testing.T) {
	m, fb := newTestMint(t)
	proofs := mintProofs(t, m, fb, 4)

	invoice, err := fb.CreateInvoice(100)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}

	quote, err := m.MeltRequest("bolt11", invoice.PaymentRequest, unit)
	if err != nil {
		t.Fatalf("error requesting melt quote: %v", err)
	}

	if _, err := m.MeltTokens("bolt11", quote.Quote, proofs, nil); err != cashu.InsufficientProofsAmount {
		t.Fatalf("expected InsufficientProofsAmount, got %v", err)
	}
}

// TestMeltPaymentFailureRollsBack drives a melt whose Lightning payment
// definitively fails, and asserts the mint releases the proofs it
// provisionally spent and reverts the quote to UNPAID, so the wallet can
// retry with the same tokens.
func TestMeltPaymentFailureRollsBack(t *testing.T) {
	m, fb := newTestMint(t)
	proofs := mintProofs(t, m, fb, 16)

	invoice, err := fb.CreateInvoice(10)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}

	quote, err := m.MeltRequest("bolt11", invoice.PaymentRequest, unit)
	if err != nil {
		t.Fatalf("error requesting melt quote: %v", err)
	}

	fb.FailPayments(true)

	if _, err := m.MeltTokens("bolt11", quote.Quote, proofs, nil); err == nil {
		t.Fatal("expected melt to fail when the Lightning payment fails")
	}

	got, err := m.GetMeltQuoteState("bolt11", quote.Quote)
	if err != nil {
		t.Fatalf("error getting melt quote state: %v", err)
	}
	if got.Paid {
		t.Fatal("expected quote to have reverted to unpaid after payment failure")
	}
	if got.State != nut05.Unpaid.String() {
		t.Fatalf("expected quote state %q, got %q", nut05.Unpaid.String(), got.State)
	}

	states, err := m.CheckState(ysOf(t, proofs))
	if err != nil {
		t.Fatalf("error checking state: %v", err)
	}
	for _, s := range states {
		if s.State != nut07.Unspent {
			t.Fatalf("expected proofs to be unspent after rollback, got %v", s.State)
		}
	}

	fb.FailPayments(false)
	if _, err := m.MeltTokens("bolt11", quote.Quote, proofs, nil); err != nil {
		t.Fatalf("expected retry with the same proofs to succeed after rollback, got %v", err)
	}
}

func TestKeysetRotationKeepsOldKeysetVerifiable(t *testing.T) {
	m, fb := newTestMint(t)
	oldProofs := mintProofs(t, m, fb, 2)

	if _, err := m.RotateKeyset(0); err != nil {
		t.Fatalf("error rotating keyset: %v", err)
	}

	keys := m.GetKeys()
	if len(keys.Keysets) != 1 {
		t.Fatalf("expected exactly one active keyset advertised, got %d", len(keys.Keysets))
	}
	newKeysetId := keys.Keysets[0].Id
	if newKeysetId == oldProofs[0].Id {
		t.Fatal("expected rotation to produce a new keyset id")
	}

	newOutputs := blindOutputs(t, newKeysetId, cashu.AmountSplit(2))
	if _, err := m.Swap(oldProofs, toBlindedMessages(newOutputs)); err != nil {
		t.Fatalf("expected retired-keyset proofs to remain swappable, got %v", err)
	}
}

func ysOf(t *testing.T, proofs cashu.Proofs) []string {
	t.Helper()
	ys := make([]string, len(proofs))
	for i, p := range proofs {
		Y := crypto.HashToCurve([]byte(p.Secret))
		ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return ys
}
