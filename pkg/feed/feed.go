// Package feed maintains a websocket subscription to a price
// attestation service and caches the latest signed proof per pair. The
// cached blobs are opaque; verification happens downstream when a
// proof is submitted to the engine.
package feed

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

// ErrNoProof is returned when no attestation has arrived for a pair.
var ErrNoProof = errors.New("no proof cached for pair")

// ProofFeed streams signed price attestations over a websocket.
type ProofFeed struct {
	url    string
	conn   *websocket.Conn
	logger log.Logger

	proofs        map[uint32]cachedProof
	subscriptions map[uint32]bool

	healthy        bool
	lastHeartbeat  time.Time
	reconnectDelay time.Duration
	maxReconnect   int

	mu   sync.RWMutex
	done chan struct{}
}

type cachedProof struct {
	blob     []byte
	received time.Time
}

// message is the feed's wire envelope.
type message struct {
	Type  string   `json:"type"`
	Pair  uint32   `json:"pair,omitempty"`
	Proof []byte   `json:"proof,omitempty"`
	Pairs []uint32 `json:"pairs,omitempty"`
}

// New creates a proof feed for the given websocket endpoint.
func New(url string, logger log.Logger) *ProofFeed {
	return &ProofFeed{
		url:            url,
		logger:         logger,
		proofs:         make(map[uint32]cachedProof),
		subscriptions:  make(map[uint32]bool),
		reconnectDelay: 1 * time.Second,
		maxReconnect:   10,
		done:           make(chan struct{}),
	}
}

// Connect establishes the websocket connection and resubscribes to
// every previously subscribed pair.
func (f *ProofFeed) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil {
		f.conn.Close()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(f.url, nil)
	if err != nil {
		return fmt.Errorf("connect proof feed: %w", err)
	}

	f.conn = conn
	f.healthy = true
	f.lastHeartbeat = time.Now()

	go f.readMessages(conn)
	go f.heartbeat()

	if len(f.subscriptions) > 0 {
		pairs := make([]uint32, 0, len(f.subscriptions))
		for pair := range f.subscriptions {
			pairs = append(pairs, pair)
		}
		if err := conn.WriteJSON(message{Type: "subscribe", Pairs: pairs}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	return nil
}

func (f *ProofFeed) readMessages(conn *websocket.Conn) {
	defer func() {
		f.mu.Lock()
		f.healthy = false
		f.mu.Unlock()
		f.reconnect()
	}()

	for {
		select {
		case <-f.done:
			return
		default:
			var msg message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.handleMessage(msg)
		}
	}
}

func (f *ProofFeed) handleMessage(msg message) {
	switch msg.Type {
	case "proof":
		if len(msg.Proof) == 0 {
			return
		}
		f.mu.Lock()
		f.proofs[msg.Pair] = cachedProof{blob: msg.Proof, received: time.Now()}
		f.mu.Unlock()
	case "heartbeat":
		f.mu.Lock()
		f.lastHeartbeat = time.Now()
		f.mu.Unlock()
	}
}

// Subscribe asks the service to stream attestations for a pair.
func (f *ProofFeed) Subscribe(pair uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subscriptions[pair] {
		return nil
	}
	f.subscriptions[pair] = true

	if f.conn == nil {
		return errors.New("not connected")
	}
	return f.conn.WriteJSON(message{Type: "subscribe", Pairs: []uint32{pair}})
}

// Unsubscribe stops streaming for a pair. The cached proof stays.
func (f *ProofFeed) Unsubscribe(pair uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.subscriptions, pair)
	if f.conn == nil {
		return nil
	}
	return f.conn.WriteJSON(message{Type: "unsubscribe", Pairs: []uint32{pair}})
}

// Latest returns the most recent proof blob for a pair and when it
// arrived. Staleness is judged by the caller against its own bound.
func (f *ProofFeed) Latest(pair uint32) ([]byte, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cached, ok := f.proofs[pair]
	if !ok {
		return nil, time.Time{}, ErrNoProof
	}
	return cached.blob, cached.received, nil
}

// IsHealthy reports whether the connection is up and heartbeats are
// current.
func (f *ProofFeed) IsHealthy() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.healthy {
		return false
	}
	return time.Since(f.lastHeartbeat) <= 30*time.Second
}

func (f *ProofFeed) heartbeat() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			f.mu.RUnlock()
			if conn != nil {
				conn.WriteJSON(message{Type: "heartbeat"})
			}
		}
	}
}

func (f *ProofFeed) reconnect() {
	delay := f.reconnectDelay
	for attempts := 0; attempts < f.maxReconnect; attempts++ {
		select {
		case <-f.done:
			return
		case <-time.After(delay):
			if err := f.Connect(); err == nil {
				return
			}
			delay = time.Duration(math.Min(float64(delay*2), float64(30*time.Second)))
			f.logger.Warn("proof feed reconnect failed", "attempt", attempts+1, "nextDelay", delay)
		}
	}
	f.logger.Error("proof feed gave up reconnecting", "attempts", f.maxReconnect)
}

// Close tears down the feed.
func (f *ProofFeed) Close() error {
	close(f.done)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
