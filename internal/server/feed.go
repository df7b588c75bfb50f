package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/contract"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames
	maxMessageSize = 512

	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Feed message types.
const (
	FeedBlock = "block"
	// FeedEnded is the last frame: the chain commits no more blocks.
	FeedEnded = "ended"
)

// FeedMessage is one frame of the block feed. Data is set on block frames.
type FeedMessage struct {
	Type string        `json:"type"`
	Data *BlockSummary `json:"data,omitempty"`
}

// BlockSummary is the feed's view of a block: receipts are left out.
type BlockSummary struct {
	Number    int64                   `json:"number"`
	Producer  string                  `json:"producer,omitempty"`
	TxCount   int                     `json:"tx_count"`
	Failed    int                     `json:"failed"`
	StateHash chain.Hash              `json:"state_hash"`
	Prices    map[string]float64      `json:"prices"`
	Reserves  []contract.PoolReserves `json:"reserves"`
}

func summarize(b *chain.Block) *BlockSummary {
	return &BlockSummary{
		Number:    b.Number,
		Producer:  b.ProducerName,
		TxCount:   len(b.Receipts),
		Failed:    b.Failed(),
		StateHash: b.StateHash,
		Prices:    b.Prices,
		Reserves:  b.Reserves,
	}
}

// Hub fans committed blocks out to websocket clients. A client whose
// buffer is full is disconnected rather than slowing the others.
type Hub struct {
	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	ended   bool
	metrics *observability.Metrics
	logger  zerolog.Logger
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *feedClient) close() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*feedClient]struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

// Run broadcasts blocks from input until ctx is cancelled or input is
// closed, then disconnects every client. Closed input means the chain is
// done: clients get a final FeedEnded frame and later upgrades are refused.
func (h *Hub) Run(ctx context.Context, input <-chan *chain.Block) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case block, ok := <-input:
			if !ok {
				if data, err := json.Marshal(FeedMessage{Type: FeedEnded}); err == nil {
					h.Broadcast(data)
				}
				return nil
			}
			data, err := json.Marshal(FeedMessage{Type: FeedBlock, Data: summarize(block)})
			if err != nil {
				h.logger.Warn().Err(err).Int64("block", block.Number).Msg("encode feed message")
				continue
			}
			h.Broadcast(data)
		}
	}
}

// Broadcast queues data for every client.
func (h *Hub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("feed client too slow, disconnecting")
			h.removeLocked(c)
		}
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Ended reports whether the feed has stopped for good.
func (h *Hub) Ended() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ended
}

// ServeWS upgrades the request and registers the connection. Once the feed
// has ended the request is answered with 503 instead.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.Ended() {
		http.Error(w, "block feed ended", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	if h.ended {
		// ended between the check and the upgrade
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "block feed ended"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.updateGauge()
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *feedClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	h.updateGauge()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) updateGauge() {
	if h.metrics != nil {
		h.metrics.WebsocketClients.Set(float64(len(h.clients)))
	}
}

// readPump discards client frames and detects disconnects.
func (h *Hub) readPump(c *feedClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Msg("websocket read")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *feedClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
