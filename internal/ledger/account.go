package ledger

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// Address identifies an account (16 bytes, rendered base58).
type Address [16]byte

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText renders the base58 form in JSON keys and values.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes the base58 form produced by String.
func ParseAddress(s string) (Address, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Address{}, ErrUnknownAccount.Wrapf("decode address %q: %v", s, err)
	}
	if len(raw) != len(Address{}) {
		return Address{}, ErrUnknownAccount.Wrapf("address %q has %d bytes, want 16", s, len(raw))
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// AddressAllocator hands out account addresses. Seeded allocators produce
// the same sequence on every run.
type AddressAllocator struct {
	source io.Reader
}

func NewAddressAllocator(seed int64) *AddressAllocator {
	return &AddressAllocator{source: rand.New(rand.NewSource(seed))}
}

// Next returns a fresh random (version 4 layout) address.
func (a *AddressAllocator) Next() Address {
	id, err := uuid.NewRandomFromReader(a.source)
	if err != nil {
		// math/rand readers never fail
		panic(fmt.Sprintf("FATAL: address allocation: %v", err))
	}
	return Address(id)
}

// ProducerRole marks an account as a block producer.
type ProducerRole struct {
	Settlement      float64 // gas fees collected
	BlocksCommitted int64
}

// Record is one entry of an account's transaction history.
type Record struct {
	BlockNumber int64      `json:"block_number"`
	TxIndex     int        `json:"tx_index"`
	Contract    string     `json:"contract"`
	Function    string     `json:"function"`
	Succeeded   bool       `json:"succeeded"`
	Output      float64    `json:"output"`
	Movements   []Movement `json:"movements,omitempty"`
}

// Account is a ledger participant. Producer is non-nil for block producers.
type Account struct {
	Address  Address
	Name     string
	Wallet   *Wallet
	History  []Record
	Producer *ProducerRole
}

func NewAccount(addr Address, name string) *Account {
	return &Account{
		Address: addr,
		Name:    name,
		Wallet:  NewWallet(),
	}
}

func (a *Account) IsProducer() bool {
	return a.Producer != nil
}

// Append adds a history record. History is append-only.
func (a *Account) Append(r Record) {
	a.History = append(a.History, r)
}

// HolderID is the journal identity of the account.
func (a *Account) HolderID() string {
	return AccountHolder(a.Address)
}

func (a *Account) String() string {
	return fmt.Sprintf("%s(%s)", a.Name, a.Address)
}
