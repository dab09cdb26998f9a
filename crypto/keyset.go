package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// maxOrder is the number of denominations (powers of two, 2^0..2^63) a
// keyset derives keys for.
const maxOrder = 64

// KeysetsMap maps mint url to map of keyset id to keyset. Kept from the
// wallet-facing lookup shape since the mint's own key-serving code
// (GET /v1/keys) indexes the same way.
type KeysetsMap map[string]map[string]Keyset

type Keyset struct {
	Id          string
	Unit        string
	Active      bool
	InputFeePpk uint
	Generation  uint32
	KeyPairs    []KeyPair
}

type KeyPair struct {
	Amount     uint64
	PrivateKey []byte
	PublicKey  []byte
}

// DeriveKeysetSeed computes the per-keyset seed a mint uses to derive all
// of a keyset's signing scalars. Rotating a unit's keyset means bumping
// generation and re-running this derivation; the master secret and
// derivation path never change.
func DeriveKeysetSeed(masterSecret []byte, unit string, derivationPath string, generation uint32) [32]byte {
	h := sha256.New()
	h.Write(masterSecret)
	h.Write([]byte(unit))
	h.Write([]byte(derivationPath))
	var genBytes [4]byte
	binary.BigEndian.PutUint32(genBytes[:], generation)
	h.Write(genBytes[:])
	var seed [32]byte
	copy(seed[:], h.Sum(nil))
	return seed
}

// deriveAmountScalar computes the private scalar for one denomination of a
// keyset: SHA-256(keysetSeed || le32(k)), where k is the denomination's
// exponent (amount == 2^k), rerolled by appending an extra counter byte
// whenever the digest is zero or exceeds the curve order (both
// effectively never happen, but the reroll keeps the function total
// rather than silently reducing mod n). Hashing k rather than the
// computed amount keeps every exponent's encoding distinct; hashing the
// amount itself would truncate identically for every k >= 32.
func deriveAmountScalar(keysetSeed [32]byte, k uint32) *secp256k1.PrivateKey {
	var kBytes [4]byte
	binary.LittleEndian.PutUint32(kBytes[:], k)

	for counter := 0; ; counter++ {
		h := sha256.New()
		h.Write(keysetSeed[:])
		h.Write(kBytes[:])
		if counter > 0 {
			h.Write([]byte{byte(counter)})
		}
		digest := h.Sum(nil)

		var scalar secp256k1.ModNScalar
		overflow := scalar.SetByteSlice(digest)
		if overflow || scalar.IsZero() {
			continue
		}
		return secp256k1.NewPrivateKey(&scalar)
	}
}

// GenerateKeyset derives a full keyset (2^0..2^63 sat) from masterSecret,
// unit, derivationPath and generation.
func GenerateKeyset(masterSecret []byte, unit string, derivationPath string, generation uint32) *Keyset {
	seed := DeriveKeysetSeed(masterSecret, unit, derivationPath, generation)

	keyPairs := make([]KeyPair, maxOrder)
	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << uint(i)
		priv := deriveAmountScalar(seed, uint32(i))
		keyPairs[i] = KeyPair{
			Amount:     amount,
			PrivateKey: priv.Serialize(),
			PublicKey:  priv.PubKey().SerializeCompressed(),
		}
	}

	keysetId := DeriveKeysetId(keyPairs)
	return &Keyset{Id: keysetId, Unit: unit, Active: true, Generation: generation, KeyPairs: keyPairs}
}

// DeriveKeysetId computes a keyset's id: 0x00 followed by the first 7
// bytes of SHA-256 over the keyset's public keys concatenated in
// ascending amount order, hex-encoded.
func DeriveKeysetId(keys []KeyPair) string {
	sorted := make([]KeyPair, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Amount < sorted[j].Amount
	})

	pubkeys := make([]byte, 0, len(sorted)*33)
	for _, key := range sorted {
		pubkeys = append(pubkeys, key.PublicKey...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:7])
}

func (ks *Keyset) DerivePublic() map[uint64]string {
	pubKeys := make(map[uint64]string)
	for _, key := range ks.KeyPairs {
		pubKeys[key.Amount] = hex.EncodeToString(key.PublicKey)
	}
	return pubKeys
}

// PrivateKeyForAmount returns the signing scalar for a single denomination
// of the keyset, or nil if the keyset does not carry that denomination.
func (ks *Keyset) PrivateKeyForAmount(amount uint64) *secp256k1.PrivateKey {
	for _, key := range ks.KeyPairs {
		if key.Amount == amount {
			priv := secp256k1.PrivKeyFromBytes(key.PrivateKey)
			return priv
		}
	}
	return nil
}

// PublicKeyForAmount returns the public key for a single denomination of
// the keyset, or nil if the keyset does not carry that denomination.
func (ks *Keyset) PublicKeyForAmount(amount uint64) *secp256k1.PublicKey {
	for _, key := range ks.KeyPairs {
		if key.Amount == amount {
			pub, err := secp256k1.ParsePubKey(key.PublicKey)
			if err != nil {
				return nil
			}
			return pub
		}
	}
	return nil
}
