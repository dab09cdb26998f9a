package sqlite

import (
	"encoding/hex"
	"log"
	"math/rand"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/duskmint/duskmint/cashu"
	"github.com/duskmint/duskmint/cashu/nuts/nut04"
	"github.com/duskmint/duskmint/cashu/nuts/nut05"
	"github.com/duskmint/duskmint/crypto"
	"github.com/duskmint/duskmint/mint/storage"
)

var db *SQLiteDB

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testsqlite"
	if err := os.MkdirAll(dbpath, 0750); err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	var err error
	db, err = InitSQLite(dbpath, "./migrations")
	if err != nil {
		return 1, err
	}
	defer db.Close()

	return m.Run(), nil
}

func generateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func generateRandomProofs(num int) cashu.Proofs {
	proofs := make(cashu.Proofs, num)
	for i := 0; i < num; i++ {
		proofs[i] = cashu.Proof{
			Amount: 21,
			Id:     generateRandomString(16),
			Secret: generateRandomString(64),
			C:      generateRandomString(64),
		}
	}
	return proofs
}

func toDBProof(proof cashu.Proof, Y string) storage.DBProof {
	return storage.DBProof{Y: Y, Amount: proof.Amount, Id: proof.Id, Secret: proof.Secret, C: proof.C}
}

func sortDBProofs(proofs []storage.DBProof) {
	slices.SortFunc(proofs, func(a, b storage.DBProof) int {
		return strings.Compare(a.Secret, b.Secret)
	})
}

func TestMarkProofsSpentAndLookup(t *testing.T) {
	proofs := generateRandomProofs(20)

	if err := db.MarkProofsSpent(proofs); err != nil {
		t.Fatalf("error marking proofs spent: %v", err)
	}

	Ys := make([]string, len(proofs))
	expected := make([]storage.DBProof, len(proofs))
	for i, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		Ys[i] = Yhex
		expected[i] = toDBProof(proof, Yhex)
	}

	dbProofs, err := db.GetProofsUsed(Ys)
	if err != nil {
		t.Fatalf("error getting used proofs: %v", err)
	}
	if len(dbProofs) != len(proofs) {
		t.Fatalf("expected %v proofs, got %v", len(proofs), len(dbProofs))
	}

	sortDBProofs(expected)
	sortDBProofs(dbProofs)
	if !reflect.DeepEqual(dbProofs, expected) {
		t.Fatal("proofs read back from db do not match what was saved")
	}
}

func TestMarkProofsSpentRejectsDoubleSpend(t *testing.T) {
	proofs := generateRandomProofs(3)
	if err := db.MarkProofsSpent(proofs); err != nil {
		t.Fatalf("error marking proofs spent: %v", err)
	}

	if err := db.MarkProofsSpent(proofs[:1]); err != storage.ErrProofAlreadySpent {
		t.Fatalf("expected ErrProofAlreadySpent, got %v", err)
	}
}

func TestMarkProofsSpentIsAllOrNothing(t *testing.T) {
	alreadySpent := generateRandomProofs(1)
	if err := db.MarkProofsSpent(alreadySpent); err != nil {
		t.Fatalf("error marking proof spent: %v", err)
	}

	fresh := generateRandomProofs(2)
	batch := append(cashu.Proofs{alreadySpent[0]}, fresh...)

	if err := db.MarkProofsSpent(batch); err != storage.ErrProofAlreadySpent {
		t.Fatalf("expected ErrProofAlreadySpent, got %v", err)
	}

	Y := crypto.HashToCurve([]byte(fresh[0].Secret))
	Yhex := hex.EncodeToString(Y.SerializeCompressed())
	dbProofs, err := db.GetProofsUsed([]string{Yhex})
	if err != nil {
		t.Fatalf("error checking fresh proof: %v", err)
	}
	if len(dbProofs) != 0 {
		t.Fatal("a proof from a failed batch must not have been persisted")
	}
}

func TestMintQuoteLifecycle(t *testing.T) {
	quote := storage.MintQuote{
		Id:             generateRandomString(32),
		Amount:         21,
		PaymentRequest: generateRandomString(100),
		PaymentHash:    generateRandomString(50),
		State:          nut04.Unpaid,
		Expiry:         9999999999,
	}

	if err := db.SaveMintQuote(quote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}

	got, err := db.GetMintQuote(quote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if !reflect.DeepEqual(quote, got) {
		t.Fatal("quote from db does not match saved one")
	}

	if err := db.UpdateMintQuoteState(quote.Id, nut04.Unpaid, nut04.Paid); err != nil {
		t.Fatalf("error updating mint quote to paid: %v", err)
	}

	if err := db.UpdateMintQuoteState(quote.Id, nut04.Unpaid, nut04.Paid); err != storage.ErrQuoteStateConflict {
		t.Fatalf("expected ErrQuoteStateConflict on stale CAS, got %v", err)
	}

	if err := db.UpdateMintQuoteState(quote.Id, nut04.Paid, nut04.Issued); err != nil {
		t.Fatalf("error updating mint quote to issued: %v", err)
	}

	got, err = db.GetMintQuote(quote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if got.State != nut04.Issued {
		t.Fatalf("expected state ISSUED, got %v", got.State)
	}
}

func TestMintQuoteConcurrentCASOnlyOneWins(t *testing.T) {
	quote := storage.MintQuote{
		Id:             generateRandomString(32),
		Amount:         21,
		PaymentRequest: generateRandomString(100),
		PaymentHash:    generateRandomString(50),
		State:          nut04.Unpaid,
		Expiry:         9999999999,
	}
	if err := db.SaveMintQuote(quote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := db.UpdateMintQuoteState(quote.Id, nut04.Unpaid, nut04.Paid); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one concurrent CAS to win, got %v", successes)
	}
}

func TestMeltQuoteLifecycle(t *testing.T) {
	quote := storage.MeltQuote{
		Id:             generateRandomString(32),
		InvoiceRequest: generateRandomString(100),
		PaymentHash:    generateRandomString(50),
		Amount:         21,
		FeeReserve:     1,
		State:          nut05.Unpaid,
		Expiry:         9999999999,
	}

	if err := db.SaveMeltQuote(quote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}

	got, err := db.GetMeltQuote(quote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote: %v", err)
	}
	if !reflect.DeepEqual(quote, got) {
		t.Fatal("quote from db does not match saved one")
	}

	if err := db.UpdateMeltQuote(quote.Id, "", nut05.Unpaid, nut05.Pending); err != nil {
		t.Fatalf("error moving melt quote to pending: %v", err)
	}

	// simulate a Lightning failure: roll back to unpaid.
	if err := db.UpdateMeltQuote(quote.Id, "", nut05.Pending, nut05.Unpaid); err != nil {
		t.Fatalf("error rolling back melt quote: %v", err)
	}

	if err := db.UpdateMeltQuote(quote.Id, "", nut05.Unpaid, nut05.Pending); err != nil {
		t.Fatalf("error moving melt quote to pending again: %v", err)
	}

	if err := db.UpdateMeltQuote(quote.Id, "preimage123", nut05.Pending, nut05.Paid); err != nil {
		t.Fatalf("error moving melt quote to paid: %v", err)
	}

	got, err = db.GetMeltQuote(quote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote: %v", err)
	}
	if got.State != nut05.Paid || got.Preimage != "preimage123" {
		t.Fatalf("expected PAID with preimage recorded, got %+v", got)
	}
}

func TestExpireQuotes(t *testing.T) {
	mintQuote := storage.MintQuote{
		Id:             generateRandomString(32),
		Amount:         5,
		PaymentRequest: generateRandomString(100),
		PaymentHash:    generateRandomString(50),
		State:          nut04.Unpaid,
		Expiry:         100,
	}
	if err := db.SaveMintQuote(mintQuote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}

	meltQuote := storage.MeltQuote{
		Id:             generateRandomString(32),
		InvoiceRequest: generateRandomString(100),
		PaymentHash:    generateRandomString(50),
		Amount:         5,
		State:          nut05.Unpaid,
		Expiry:         100,
	}
	if err := db.SaveMeltQuote(meltQuote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}

	mintExpired, meltExpired, err := db.ExpireQuotes(200)
	if err != nil {
		t.Fatalf("error expiring quotes: %v", err)
	}
	if mintExpired < 1 || meltExpired < 1 {
		t.Fatalf("expected at least one expired mint and melt quote, got %v/%v", mintExpired, meltExpired)
	}

	got, err := db.GetMintQuote(mintQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if got.State != nut04.Expired {
		t.Fatalf("expected mint quote to be EXPIRED, got %v", got.State)
	}
}

func TestBlindSignatures(t *testing.T) {
	count := 20
	sigs := make(cashu.BlindedSignatures, count)
	B_s := make([]string, count)
	for i := 0; i < count; i++ {
		B_s[i] = generateRandomString(66)
		sigs[i] = cashu.BlindedSignature{C_: generateRandomString(66), Id: generateRandomString(16), Amount: 4}
	}

	for i := range sigs {
		if err := db.SaveBlindSignature(B_s[i], sigs[i]); err != nil {
			t.Fatalf("error saving blind signature: %v", err)
		}
	}

	got, err := db.GetBlindSignature(B_s[5])
	if err != nil {
		t.Fatalf("error getting blind signature: %v", err)
	}
	if !reflect.DeepEqual(got, sigs[5]) {
		t.Fatal("blind signature from db does not match saved one")
	}

	all, err := db.GetBlindSignatures(B_s[:10])
	if err != nil {
		t.Fatalf("error getting blind signatures: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("expected 10 blind signatures, got %v", len(all))
	}
}

func TestUnmarkProofsSpentRestoresSpendability(t *testing.T) {
	proofs := generateRandomProofs(3)
	if err := db.MarkProofsSpent(proofs); err != nil {
		t.Fatalf("error marking proofs spent: %v", err)
	}

	if err := db.UnmarkProofsSpent(proofs); err != nil {
		t.Fatalf("error unmarking proofs spent: %v", err)
	}

	if err := db.MarkProofsSpent(proofs); err != nil {
		t.Fatalf("expected proofs to be spendable again after rollback, got: %v", err)
	}
}

func TestMeltQuoteProofsRoundTrip(t *testing.T) {
	quote := storage.MeltQuote{
		Id:             generateRandomString(32),
		InvoiceRequest: generateRandomString(100),
		PaymentHash:    generateRandomString(50),
		Amount:         21,
		FeeReserve:     1,
		State:          nut05.Unpaid,
		Expiry:         9999999999,
	}
	if err := db.SaveMeltQuote(quote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}

	proofs := generateRandomProofs(4)
	if err := db.SaveMeltQuoteProofs(quote.Id, proofs); err != nil {
		t.Fatalf("error saving melt quote proofs: %v", err)
	}

	got, err := db.GetMeltQuoteProofs(quote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote proofs: %v", err)
	}
	if len(got) != len(proofs) {
		t.Fatalf("expected %v proofs, got %v", len(proofs), len(got))
	}

	slices.SortFunc(proofs, func(a, b cashu.Proof) int { return strings.Compare(a.Secret, b.Secret) })
	slices.SortFunc(got, func(a, b cashu.Proof) int { return strings.Compare(a.Secret, b.Secret) })
	if !reflect.DeepEqual(proofs, got) {
		t.Fatal("proofs read back from db do not match what was saved")
	}
}

func TestGetPendingMeltQuotes(t *testing.T) {
	quote := storage.MeltQuote{
		Id:             generateRandomString(32),
		InvoiceRequest: generateRandomString(100),
		PaymentHash:    generateRandomString(50),
		Amount:         21,
		FeeReserve:     1,
		State:          nut05.Unpaid,
		Expiry:         9999999999,
	}
	if err := db.SaveMeltQuote(quote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}
	if err := db.UpdateMeltQuote(quote.Id, "", nut05.Unpaid, nut05.Pending); err != nil {
		t.Fatalf("error moving melt quote to pending: %v", err)
	}

	pending, err := db.GetPendingMeltQuotes()
	if err != nil {
		t.Fatalf("error getting pending melt quotes: %v", err)
	}

	found := false
	for _, q := range pending {
		if q.Id == quote.Id {
			found = true
		}
	}
	if !found {
		t.Fatal("expected quote moved to PENDING to show up in GetPendingMeltQuotes")
	}
}

func TestIssuedAndRedeemedByKeyset(t *testing.T) {
	keysetId := generateRandomString(16)

	B_ := generateRandomString(66)
	sig := cashu.BlindedSignature{C_: generateRandomString(66), Id: keysetId, Amount: 8}
	if err := db.SaveBlindSignature(B_, sig); err != nil {
		t.Fatalf("error saving blind signature: %v", err)
	}

	proof := cashu.Proof{Amount: 8, Id: keysetId, Secret: generateRandomString(64), C: generateRandomString(64)}
	if err := db.MarkProofsSpent(cashu.Proofs{proof}); err != nil {
		t.Fatalf("error marking proof spent: %v", err)
	}

	issued, err := db.GetIssuedByKeyset()
	if err != nil {
		t.Fatalf("error getting issued by keyset: %v", err)
	}
	if issued[keysetId] != 8 {
		t.Fatalf("expected 8 issued for keyset %v, got %v", keysetId, issued[keysetId])
	}

	redeemed, err := db.GetRedeemedByKeyset()
	if err != nil {
		t.Fatalf("error getting redeemed by keyset: %v", err)
	}
	if redeemed[keysetId] != 8 {
		t.Fatalf("expected 8 redeemed for keyset %v, got %v", keysetId, redeemed[keysetId])
	}
}

func TestKeysetLifecycle(t *testing.T) {
	ks := storage.DBKeyset{
		Id:             generateRandomString(16),
		Unit:           "sat",
		Active:         true,
		DerivationPath: "m/0'/0'/0'",
		Generation:     0,
		InputFeePpk:    0,
	}
	if err := db.SaveKeyset(ks); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}

	keysets, err := db.GetKeysets()
	if err != nil {
		t.Fatalf("error getting keysets: %v", err)
	}
	found := false
	for _, k := range keysets {
		if k.Id == ks.Id {
			found = true
			if !reflect.DeepEqual(k, ks) {
				t.Fatal("keyset from db does not match saved one")
			}
		}
	}
	if !found {
		t.Fatal("saved keyset not found in GetKeysets")
	}

	if err := db.UpdateKeysetActive(ks.Id, false); err != nil {
		t.Fatalf("error deactivating keyset: %v", err)
	}
	keysets, err = db.GetKeysets()
	if err != nil {
		t.Fatalf("error getting keysets: %v", err)
	}
	for _, k := range keysets {
		if k.Id == ks.Id && k.Active {
			t.Fatal("keyset should have been deactivated")
		}
	}
}
