package chain

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
)

// Block is an immutable record of one commit. Transactions holds exactly
// the transactions executed for it, failed ones included, in execution
// order; Receipts is parallel to it.
type Block struct {
	Number       int64                   `json:"number"`
	Producer     ledger.Address          `json:"producer"`
	ProducerName string                  `json:"producer_name,omitempty"`
	Transactions []*Transaction          `json:"-"`
	Receipts     []Receipt               `json:"receipts"`
	Reserves     []contract.PoolReserves `json:"reserves"`
	Prices       map[string]float64      `json:"prices"`
	StateHash    Hash                    `json:"state_hash"`
	PrevHash     Hash                    `json:"prev_hash"`
}

// Failed counts receipts with StatusFailed.
func (b *Block) Failed() int {
	n := 0
	for _, r := range b.Receipts {
		if !r.Succeeded() {
			n++
		}
	}
	return n
}

// digest builds the canonical bytes hashed into the state chain.
func (b *Block) digest() []byte {
	buf := make([]byte, 0, 64+len(b.Receipts)*96+len(b.Reserves)*64)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(b.Number))
	buf = append(buf, b.Producer[:]...)

	for _, r := range b.Receipts {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r.Index))
		buf = append(buf, r.Sender[:]...)
		buf = appendString(buf, r.Contract)
		buf = appendString(buf, r.Function)
		buf = appendString(buf, string(r.Status))
		buf = binary.LittleEndian.AppendUint32(buf, r.Code)
		buf = appendFloat(buf, r.Output)
		buf = appendFloat(buf, r.GasFee)
	}

	for _, p := range b.Reserves {
		buf = appendString(buf, p.Contract)
		buf = appendString(buf, p.Pair)
		buf = appendFloat(buf, p.ReserveA)
		buf = appendFloat(buf, p.ReserveB)
	}

	tokens := make([]string, 0, len(b.Prices))
	for t := range b.Prices {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	for _, t := range tokens {
		buf = appendString(buf, t)
		buf = appendFloat(buf, b.Prices[t])
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendFloat(buf []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
}
