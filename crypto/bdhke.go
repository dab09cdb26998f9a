// Package crypto implements the Blind Diffie-Hellman Key Exchange scheme
// that underlies Cashu ecash, and the mint's per-keyset key derivation.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// hashToCurveDST is the domain separator prefixed to every message before
// hashing it onto the curve. It keeps HashToCurve's output space disjoint
// from any other use of SHA-256 over similar inputs elsewhere in the
// protocol.
var hashToCurveDST = []byte("Secp256k1_HashToCurve_Cashu_")

// HashToCurve deterministically maps message to a point Y on secp256k1
// with no known discrete log relative to G. It hashes the domain-separated
// message once to get a seed, then tries seed || counter (counter encoded
// little-endian over 4 bytes) as increasing counter values until one hashes
// to a valid compressed point encoding.
func HashToCurve(message []byte) *secp256k1.PublicKey {
	h := sha256.New()
	h.Write(hashToCurveDST)
	h.Write(message)
	seed := h.Sum(nil)

	var counter uint32
	for {
		var counterBytes [4]byte
		binary.LittleEndian.PutUint32(counterBytes[:], counter)

		h := sha256.New()
		h.Write(seed)
		h.Write(counterBytes[:])
		candidate := h.Sum(nil)

		pkBytes := append([]byte{0x02}, candidate...)
		if point, err := secp256k1.ParsePubKey(pkBytes); err == nil {
			return point
		}
		counter++
	}
}

// BlindMessage computes B_ = Y + rG, where Y = HashToCurve(secret) and r is
// the blinding factor. It returns B_ along with the private scalar r so the
// caller can later unblind the mint's signature.
func BlindMessage(secret []byte, blindingFactor []byte) (*secp256k1.PublicKey, *secp256k1.PrivateKey) {
	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y := HashToCurve(secret)
	Y.AsJacobian(&ypoint)

	r, rpub := btcec.PrivKeyFromBytes(blindingFactor)
	rpub.AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r
}

// SignBlindedMessage computes C_ = kB_, the mint's blind signature over a
// wallet-submitted blinded point, using the keyset's private scalar k for
// the requested denomination.
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// UnblindSignature computes C = C_ - rK, recovering the mint's signature
// over the wallet's original (unblinded) secret.
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	C := secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
	return C
}

// Verify checks that k * HashToCurve(secret) == C, i.e. that C is a valid
// signature over secret under the private scalar k.
func Verify(secret []byte, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y := HashToCurve(secret)
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}
