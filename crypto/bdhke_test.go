package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("error decoding hex %q: %v", s, err)
	}
	return b
}

func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  []byte
		expected string
	}{
		{message: make([]byte, 32), expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725"},
		{message: []byte("test_message"), expected: "0215fdc277c704590f3c3bcc08cf9a8f748f46619b96268cece86442b6c3ac461b"},
		{message: []byte("hello"), expected: "021f1c0e53d12bf9184a53ca3e60e5416e1eae3a498fed34326d986609a5b797c5"},
	}

	for _, test := range tests {
		pk := HashToCurve(test.message)
		hexStr := hex.EncodeToString(pk.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("message %q: expected '%v' but got '%v'", test.message, test.expected, hexStr)
		}
	}
}

func TestHashToCurveDeterministic(t *testing.T) {
	msg := []byte("repeat me")
	a := HashToCurve(msg)
	b := HashToCurve(msg)
	if !a.IsEqual(b) {
		t.Error("HashToCurve is not deterministic for the same input")
	}
}

func TestHashToCurveOnCurve(t *testing.T) {
	for _, msg := range [][]byte{[]byte(""), []byte("x"), make([]byte, 32), []byte("a longer message to hash onto the curve")} {
		pk := HashToCurve(msg)
		if !pk.IsOnCurve() {
			t.Errorf("point for message %q is not on curve", msg)
		}
	}
}

func TestBlindMessage(t *testing.T) {
	tests := []struct {
		secret         []byte
		blindingFactor string
		expected       string
	}{
		{
			secret:         []byte("test_message"),
			blindingFactor: "0000000000000000000000000000000000000000000000000000000000000001",
			expected:       "025cc16fe33b953e2ace39653efb3e7a7049711ae1d8a2f7a9108753f1cdea742b",
		},
		{
			secret:         []byte("hello"),
			blindingFactor: "0000000000000000000000000000000000000000000000000000000000000002",
			expected:       "03b19ab9b9fc2f2ef8e22a3abc7d5fc6e6b42d7eb67aabd681e05f8ff52531bacf",
		},
	}

	for _, test := range tests {
		rbytes := mustDecode(t, test.blindingFactor)
		B_, _ := BlindMessage(test.secret, rbytes)
		B_Hex := hex.EncodeToString(B_.SerializeCompressed())
		if B_Hex != test.expected {
			t.Errorf("expected '%v' but got '%v'", test.expected, B_Hex)
		}
	}
}

func TestSignBlindedMessage(t *testing.T) {
	tests := []struct {
		secret         []byte
		blindingFactor string
		mintPrivKey    string
		expected       string
	}{
		{
			secret:         []byte("test_message"),
			blindingFactor: "0000000000000000000000000000000000000000000000000000000000000001",
			mintPrivKey:    "0000000000000000000000000000000000000000000000000000000000000001",
			expected:       "025cc16fe33b953e2ace39653efb3e7a7049711ae1d8a2f7a9108753f1cdea742b",
		},
		{
			secret:         []byte("test_message"),
			blindingFactor: "0000000000000000000000000000000000000000000000000000000000000001",
			mintPrivKey:    "7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f",
			expected:       "027726f0e5757b4202a27198369a3477a17bc275b7529da518fc7cb4a1d927cc0d",
		},
	}

	for _, test := range tests {
		rbytes := mustDecode(t, test.blindingFactor)
		B_, _ := BlindMessage(test.secret, rbytes)

		mintKeyBytes := mustDecode(t, test.mintPrivKey)
		k, _ := btcec.PrivKeyFromBytes(mintKeyBytes)

		blindedSignature := SignBlindedMessage(B_, k)
		blindedHex := hex.EncodeToString(blindedSignature.SerializeCompressed())
		if blindedHex != test.expected {
			t.Errorf("expected '%v' but got '%v'", test.expected, blindedHex)
		}
	}
}

func TestUnblindSignature(t *testing.T) {
	dst := mustDecode(t, "025cc16fe33b953e2ace39653efb3e7a7049711ae1d8a2f7a9108753f1cdea742b")
	C_, err := secp256k1.ParsePubKey(dst)
	if err != nil {
		t.Fatal(err)
	}

	kdst := mustDecode(t, "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	K, err := secp256k1.ParsePubKey(kdst)
	if err != nil {
		t.Fatal(err)
	}

	rhex := mustDecode(t, "0000000000000000000000000000000000000000000000000000000000000001")
	r, _ := btcec.PrivKeyFromBytes(rhex)

	C := UnblindSignature(C_, r, K)
	CHex := hex.EncodeToString(C.SerializeCompressed())
	expected := "0215fdc277c704590f3c3bcc08cf9a8f748f46619b96268cece86442b6c3ac461b"
	if CHex != expected {
		t.Errorf("expected '%v' but got '%v'", expected, CHex)
	}
}

func TestVerify(t *testing.T) {
	secret := []byte("hello")
	rhex := mustDecode(t, "0000000000000000000000000000000000000000000000000000000000000002")

	B_, r := BlindMessage(secret, rhex)

	khex := mustDecode(t, "0000000000000000000000000000000000000000000000000000000000000001")
	k, _ := btcec.PrivKeyFromBytes(khex)
	K := k.PubKey()

	C_ := SignBlindedMessage(B_, k)
	C := UnblindSignature(C_, r, K)

	if !Verify(secret, k, C) {
		t.Error("failed verification")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	secret := []byte("hello")
	rhex := mustDecode(t, "0000000000000000000000000000000000000000000000000000000000000002")

	B_, r := BlindMessage(secret, rhex)

	khex := mustDecode(t, "0000000000000000000000000000000000000000000000000000000000000001")
	k, _ := btcec.PrivKeyFromBytes(khex)
	K := k.PubKey()

	otherKhex := mustDecode(t, "0000000000000000000000000000000000000000000000000000000000000003")
	otherK, _ := btcec.PrivKeyFromBytes(otherKhex)

	C_ := SignBlindedMessage(B_, k)
	C := UnblindSignature(C_, r, K)

	if Verify(secret, otherK, C) {
		t.Error("verification succeeded with the wrong scalar")
	}
}
