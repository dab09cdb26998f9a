package cashu

import (
	"slices"
	"testing"
)

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{0, []uint64{}},
		{1, []uint64{1}},
		{13, []uint64{1, 4, 8}},
		{64, []uint64{64}},
		{255, []uint64{1, 2, 4, 8, 16, 32, 64, 128}},
	}

	for _, test := range tests {
		got := AmountSplit(test.amount)
		if !slices.Equal(got, test.expected) {
			t.Errorf("AmountSplit(%d) = %v, want %v", test.amount, got, test.expected)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{1 << 40, true},
		{(1 << 40) + 1, false},
	}

	for _, test := range tests {
		if got := IsPowerOfTwo(test.amount); got != test.expected {
			t.Errorf("IsPowerOfTwo(%d) = %v, want %v", test.amount, got, test.expected)
		}
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	unique := Proofs{
		{Amount: 1, Id: "00", Secret: "a", C: "aa"},
		{Amount: 2, Id: "00", Secret: "b", C: "bb"},
	}
	if CheckDuplicateProofs(unique) {
		t.Error("expected no duplicates")
	}

	duplicated := Proofs{
		{Amount: 1, Id: "00", Secret: "a", C: "aa"},
		{Amount: 1, Id: "00", Secret: "a", C: "aa"},
	}
	if !CheckDuplicateProofs(duplicated) {
		t.Error("expected duplicate to be detected")
	}
}

func TestGenerateRandomQuoteId(t *testing.T) {
	a, err := GenerateRandomQuoteId()
	if err != nil {
		t.Fatalf("error generating quote id: %v", err)
	}
	b, err := GenerateRandomQuoteId()
	if err != nil {
		t.Fatalf("error generating quote id: %v", err)
	}
	if a == b {
		t.Error("expected two calls to produce different quote ids")
	}
	if len(a) != 64 {
		t.Errorf("expected a 64-char hex id, got %d chars", len(a))
	}
}

func TestMax(t *testing.T) {
	if Max(3, 5) != 5 {
		t.Error("Max(3, 5) should be 5")
	}
	if Max(5, 3) != 5 {
		t.Error("Max(5, 3) should be 5")
	}
}

func TestCount(t *testing.T) {
	amounts := []uint64{1, 2, 2, 4, 2}
	if Count(amounts, 2) != 3 {
		t.Errorf("expected 3 occurrences of 2, got %d", Count(amounts, 2))
	}
	if Count(amounts, 8) != 0 {
		t.Errorf("expected 0 occurrences of 8, got %d", Count(amounts, 8))
	}
}

func TestBlindedMessagesAmount(t *testing.T) {
	msgs := BlindedMessages{
		{Amount: 4, Id: "00", B_: "aa"},
		{Amount: 8, Id: "00", B_: "bb"},
	}
	if msgs.Amount() != 12 {
		t.Errorf("expected total amount 12, got %d", msgs.Amount())
	}
}

func TestProofsAmount(t *testing.T) {
	proofs := Proofs{
		{Amount: 1, Id: "00", Secret: "a", C: "aa"},
		{Amount: 2, Id: "00", Secret: "b", C: "bb"},
	}
	if proofs.Amount() != 3 {
		t.Errorf("expected total amount 3, got %d", proofs.Amount())
	}
}

func TestBuildCashuError(t *testing.T) {
	err := BuildCashuError("boom", StandardErrCode)
	if err.Error() != "boom" {
		t.Errorf("expected message %q, got %q", "boom", err.Error())
	}
	if err.Code != StandardErrCode {
		t.Errorf("expected code %v, got %v", StandardErrCode, err.Code)
	}
}
