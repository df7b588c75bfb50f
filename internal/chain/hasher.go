package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const GenesisHashSeed = "dexsim:genesis:v1"

// Hash is a block state hash.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != len(h) {
		return fmt.Errorf("hash %q: want %d hex bytes", text, len(h))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// StateHasher chains block hashes:
//
//	hash[N] = SHA-256(hash[N-1] || N as 8 bytes LE || digest[N])
type StateHasher struct {
	prevHash Hash
}

// NewStateHasher starts the chain at the genesis hash.
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash hashes the block digest and advances the chain tip.
func (h *StateHasher) ComputeHash(number int64, digest []byte) Hash {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(number))
	hasher.Write(buf[:])

	hasher.Write(digest)

	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// Tip returns the latest hash.
func (h *StateHasher) Tip() Hash {
	return h.prevHash
}
