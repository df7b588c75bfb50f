package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wonj1012/blockchain-simulator/internal/amm"
	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/ingestion"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
)

func newChain(t *testing.T) (*chain.Ledger, *ledger.Account) {
	t.Helper()
	nop := zerolog.Nop()
	l := chain.New(chain.Options{Seed: 11, Logger: &nop})
	_, err := l.CreateToken("USDC", 1)
	require.NoError(t, err)
	_, err = l.CreateToken("ETH", 3000)
	require.NoError(t, err)

	p := amm.NewProtocol("amm", amm.LiquidityPolicy{})
	_, err = p.CreatePool("USDC", "ETH", 0.003, 90_000, 30)
	require.NoError(t, err)
	require.NoError(t, l.AddSupply("USDC", 90_000))
	require.NoError(t, l.AddSupply("ETH", 30))
	require.NoError(t, l.DeployContract(p))

	user := l.CreateAccount("alice")
	require.NoError(t, l.Mint(user.Address, "USDC", 1_000))
	return l, user
}

func swapRequest(sender *ledger.Account, key string) ingestion.TxRequest {
	return ingestion.TxRequest{
		IdempotencyKey: key,
		Sender:         sender.Address.String(),
		Contract:       "amm",
		Function:       amm.FunctionSwap,
		Args:           json.RawMessage(`{"token_in":"USDC","token_out":"ETH","amount_in":100}`),
		GasFee:         0.1,
	}
}

func rawFromJSON(t *testing.T, v interface{}, acked *int32) ingestion.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawMessage{
		Subject:   "dexsim.tx.test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() { atomic.AddInt32(acked, 1) },
		NakFunc:   func() { t.Errorf("unexpected nak") },
	}
}

// ============================================================================
// Test: Parsing
// ============================================================================

func TestDecodeTxRequest(t *testing.T) {
	_, user := newChain(t)
	data, err := json.Marshal(swapRequest(user, "k-1"))
	require.NoError(t, err)

	req, err := ingestion.DecodeTxRequest(data)
	require.NoError(t, err)
	if req.IdempotencyKey != "k-1" {
		t.Errorf("key: got %s, want k-1", req.IdempotencyKey)
	}
	if req.GasFee != 0.1 {
		t.Errorf("gas_fee: got %v, want 0.1", req.GasFee)
	}
}

func TestDecodeTxRequest_Rejects(t *testing.T) {
	cases := map[string]string{
		"malformed":     `{"idempotency_key":`,
		"unknown field": `{"idempotency_key":"k","sender":"s","contract":"amm","function":"swap","extra":1}`,
		"missing key":   `{"sender":"s","contract":"amm","function":"swap"}`,
		"missing func":  `{"idempotency_key":"k","sender":"s","contract":"amm"}`,
		"negative gas":  `{"idempotency_key":"k","sender":"s","contract":"amm","function":"swap","gas_fee":-1}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingestion.DecodeTxRequest([]byte(payload))
			require.ErrorIs(t, err, ledger.ErrInvalidTransaction)
		})
	}
}

func TestBuildTransaction(t *testing.T) {
	l, user := newChain(t)

	tx, err := ingestion.BuildTransaction(swapRequest(user, "k-1"), l)
	require.NoError(t, err)
	require.Equal(t, "k-1", tx.Key())
	require.Equal(t, user, tx.Sender())
	require.Equal(t, amm.SwapCall{TokenIn: "USDC", TokenOut: "ETH", AmountIn: 100}, tx.Call())

	bad := swapRequest(user, "k-2")
	bad.Function = "mint"
	_, err = ingestion.BuildTransaction(bad, l)
	require.ErrorIs(t, err, ledger.ErrUnknownFunction)

	bad = swapRequest(user, "k-3")
	bad.Contract = "orderbook"
	_, err = ingestion.BuildTransaction(bad, l)
	require.ErrorIs(t, err, ledger.ErrUnknownContract)

	bad = swapRequest(user, "k-4")
	bad.Sender = "not-base58-0OIl"
	_, err = ingestion.BuildTransaction(bad, l)
	require.ErrorIs(t, err, ledger.ErrUnknownAccount)
}

// ============================================================================
// Test: Deduplication
// ============================================================================

type fakeKeyStore struct {
	committed map[string]bool
	err       error
	calls     int
}

func (s *fakeKeyStore) IsDuplicate(key string) (bool, error) {
	s.calls++
	return s.committed[key], s.err
}

func TestKeyLRU_EvictsOldest(t *testing.T) {
	lru := ingestion.NewKeyLRU(2)
	require.False(t, lru.Add("a"))
	require.False(t, lru.Add("b"))
	require.True(t, lru.Contains("a")) // promotes a
	require.True(t, lru.Add("c"))      // evicts b

	require.True(t, lru.Contains("a"))
	require.False(t, lru.Contains("b"))
	require.True(t, lru.Contains("c"))
	require.Equal(t, int64(1), lru.Evictions())
	require.Equal(t, 2, lru.Size())
}

func TestDeduplicator_Tiers(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	store := &fakeKeyStore{committed: map[string]bool{"old": true}}
	d := ingestion.NewDeduplicator(10, store, metrics, zerolog.Nop())

	require.True(t, d.Admit("new"))
	require.False(t, d.Admit("new"))
	require.False(t, d.Admit("old"))
	require.False(t, d.Admit("old"), "second hit served from the LRU")
	require.Equal(t, 2, store.calls)

	require.Equal(t, float64(2), testutil.ToFloat64(metrics.IngestDuplicates.WithLabelValues("lru")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.IngestDuplicates.WithLabelValues("postgres")))
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.DedupLRUSize))
}

func TestDeduplicator_StoreErrorAssumesNew(t *testing.T) {
	store := &fakeKeyStore{err: errors.New("connection refused")}
	d := ingestion.NewDeduplicator(10, store, nil, zerolog.Nop())
	require.True(t, d.Admit("k"))
	require.False(t, d.Admit("k"))
}

func TestDeduplicator_ReleaseAndWarm(t *testing.T) {
	d := ingestion.NewDeduplicator(10, nil, nil, zerolog.Nop())
	require.True(t, d.Admit("k"))
	d.Release("k")
	require.True(t, d.Admit("k"))

	d.Warm([]string{"w1", "w2"})
	require.Equal(t, 3, d.Size())
	require.False(t, d.Admit("w2"))
}

// ============================================================================
// Test: Intake
// ============================================================================

func TestIntake_AcceptQueuesOnce(t *testing.T) {
	l, user := newChain(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	in := ingestion.NewIntake(l, ingestion.NewDeduplicator(100, nil, metrics, zerolog.Nop()), metrics, zerolog.Nop())

	out, err := in.Accept(swapRequest(user, "k-1"))
	require.NoError(t, err)
	require.Equal(t, ingestion.OutcomeAccepted, out)

	out, err = in.Accept(swapRequest(user, "k-1"))
	require.NoError(t, err)
	require.Equal(t, ingestion.OutcomeDuplicate, out)
	require.Equal(t, 1, l.MempoolSize())

	block := l.CommitBlock()
	require.Len(t, block.Receipts, 1)
	require.Equal(t, "k-1", block.Receipts[0].Key)
	require.True(t, block.Receipts[0].Succeeded())

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.IngestMessages.WithLabelValues("accepted")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.IngestMessages.WithLabelValues("duplicate")))
}

func TestIntake_InvalidDoesNotConsumeKey(t *testing.T) {
	l, user := newChain(t)
	in := ingestion.NewIntake(l, ingestion.NewDeduplicator(100, nil, nil, zerolog.Nop()), nil, zerolog.Nop())

	bad := swapRequest(user, "k-1")
	bad.Args = json.RawMessage(`{"token_in":"USDC","amount":1}`)
	out, err := in.Accept(bad)
	require.Error(t, err)
	require.Equal(t, ingestion.OutcomeInvalid, out)

	out, err = in.Accept(swapRequest(user, "k-1"))
	require.NoError(t, err)
	require.Equal(t, ingestion.OutcomeAccepted, out)
}

func TestIntake_RunAcksEveryMessage(t *testing.T) {
	l, user := newChain(t)
	in := ingestion.NewIntake(l, ingestion.NewDeduplicator(100, nil, nil, zerolog.Nop()), nil, zerolog.Nop())

	var acked int32
	input := make(chan ingestion.RawMessage, 4)
	input <- rawFromJSON(t, swapRequest(user, "k-1"), &acked)
	input <- rawFromJSON(t, swapRequest(user, "k-1"), &acked)
	input <- rawFromJSON(t, map[string]string{"sender": user.Address.String()}, &acked)
	input <- rawFromJSON(t, swapRequest(user, "k-2"), &acked)
	close(input)

	require.NoError(t, in.Run(context.Background(), input))
	require.Equal(t, int32(4), atomic.LoadInt32(&acked))
	require.Equal(t, 2, l.MempoolSize())
}

func TestIntake_ClosedRejectsWithoutQueueing(t *testing.T) {
	l, user := newChain(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	dedup := ingestion.NewDeduplicator(100, nil, metrics, zerolog.Nop())
	in := ingestion.NewIntake(l, dedup, metrics, zerolog.Nop())

	out, err := in.Accept(swapRequest(user, "k-1"))
	require.NoError(t, err)
	require.Equal(t, ingestion.OutcomeAccepted, out)

	in.Close()
	in.Close()
	require.True(t, in.Closed())

	out, err = in.Accept(swapRequest(user, "k-2"))
	require.ErrorIs(t, err, ingestion.ErrIntakeClosed)
	require.Equal(t, ingestion.OutcomeClosed, out)
	require.Equal(t, 1, l.MempoolSize(), "nothing queued after close")
	require.True(t, dedup.Admit("k-2"), "rejected key must stay unused")
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.IngestMessages.WithLabelValues("closed")))
}

func TestIntake_RunNaksAfterClose(t *testing.T) {
	l, user := newChain(t)
	in := ingestion.NewIntake(l, ingestion.NewDeduplicator(100, nil, nil, zerolog.Nop()), nil, zerolog.Nop())
	in.Close()

	var acked, nakked int32
	raw := rawFromJSON(t, swapRequest(user, "k-1"), &acked)
	raw.NakFunc = func() { atomic.AddInt32(&nakked, 1) }

	input := make(chan ingestion.RawMessage, 1)
	input <- raw
	close(input)

	require.NoError(t, in.Run(context.Background(), input))
	require.Equal(t, int32(0), atomic.LoadInt32(&acked))
	require.Equal(t, int32(1), atomic.LoadInt32(&nakked))
	require.Equal(t, 0, l.MempoolSize())
}

// ============================================================================
// Test: Block publisher
// ============================================================================

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	fail     bool
}

func (p *fakePublisher) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if p.fail {
		return nil, errors.New("no responders")
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	return &jetstream.PubAck{Stream: ingestion.BlocksStream}, nil
}

func TestBlockPublisher_PublishesEveryBlock(t *testing.T) {
	l, user := newChain(t)
	feed := l.Subscribe("nats", 8)

	pub := &fakePublisher{}
	p := ingestion.NewBlockPublisher(pub, feed, nil, zerolog.Nop())

	in := ingestion.NewIntake(l, nil, nil, zerolog.Nop())
	_, err := in.Accept(swapRequest(user, "k-1"))
	require.NoError(t, err)
	l.CommitBlock()
	l.CommitBlock()
	l.CloseSubscriptions()

	require.NoError(t, p.Run(context.Background()))
	require.Equal(t, []string{"dexsim.blocks.0", "dexsim.blocks.1"}, pub.subjects)

	var decoded struct {
		Number   int64 `json:"number"`
		Receipts []struct {
			Key    string `json:"key"`
			Status string `json:"status"`
		} `json:"receipts"`
	}
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	require.Equal(t, int64(0), decoded.Number)
	require.Len(t, decoded.Receipts, 1)
	require.Equal(t, "k-1", decoded.Receipts[0].Key)
	require.Equal(t, "success", decoded.Receipts[0].Status)
}

func TestBlockPublisher_CountsFailures(t *testing.T) {
	feed := make(chan *chain.Block, 3)
	for n := int64(0); n < 3; n++ {
		feed <- &chain.Block{Number: n, Prices: map[string]float64{}}
	}
	close(feed)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p := ingestion.NewBlockPublisher(&fakePublisher{fail: true}, feed, metrics, zerolog.Nop())
	require.NoError(t, p.Run(context.Background()))
	if got := testutil.ToFloat64(metrics.PublishErrors); got != 3 {
		t.Errorf("publish errors: got %v, want 3", got)
	}
}

func TestBlockSubject(t *testing.T) {
	for _, n := range []int64{0, 7, 1_000_000} {
		require.Equal(t, fmt.Sprintf("dexsim.blocks.%d", n), ingestion.BlockSubject(n))
	}
}
