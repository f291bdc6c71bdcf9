package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ssd-technologies/umbra/internal/identity"
	"github.com/ssd-technologies/umbra/internal/metrics"
)

// RelayConfig tunes a Relay.
type RelayConfig struct {
	MaxPayload    int
	TokenCapacity int           // outstanding reply tokens kept before the oldest are evicted
	TokenTTL      time.Duration // lifetime of an unredeemed token
}

// Relay is a websocket rendezvous that stands in for a mix network. Services
// register under an address proven with an Ed25519 signature; anonymous
// clients get a throwaway address that is never revealed to anyone. Messages
// are routed by address, replies by single-use tokens, and no sender
// information is ever forwarded.
type Relay struct {
	cfg      RelayConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*relayConn
	tokens *expirable.LRU[string, *relayConn]
}

// relayConn wraps a websocket connection with a write mutex. gorilla/websocket
// connections do not support concurrent writers, so every write must be
// serialized per connection.
type relayConn struct {
	conn    *websocket.Conn
	wmu     sync.Mutex
	address string
}

func (c *relayConn) write(f frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

// NewRelay creates a relay. Zero config fields get defaults.
func NewRelay(cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 16 << 10
	}
	if cfg.TokenCapacity <= 0 {
		cfg.TokenCapacity = 1 << 20
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:    cfg,
		logger: logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			// No browser same-origin policy to enforce between services.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:  make(map[string]*relayConn),
		tokens: expirable.NewLRU[string, *relayConn](cfg.TokenCapacity, nil, cfg.TokenTTL),
	}
}

// Handler returns the relay's HTTP routes.
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/ws", r.handleWS)
	router.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","connected":%d}`, r.Connected())
	})
	return router
}

// Connected returns the number of registered connections.
func (r *Relay) Connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close disconnects every client.
func (r *Relay) Close() {
	r.mu.Lock()
	for addr, rc := range r.conns {
		rc.conn.Close()
		delete(r.conns, addr)
	}
	r.mu.Unlock()
	r.tokens.Purge()
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameSize)
	rc := &relayConn{conn: conn}

	if err := r.handshake(rc); err != nil {
		r.logger.Debug("handshake failed", "remote", req.RemoteAddr, "err", err)
		conn.Close()
		return
	}
	r.register(rc)
	defer r.unregister(rc)
	if err := rc.write(frame{Type: frameWelcome, Address: rc.address, MaxPayload: r.cfg.MaxPayload}); err != nil {
		return
	}
	r.readLoop(rc)
}

func (r *Relay) handshake(rc *relayConn) error {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	if err := rc.write(frame{Type: frameChallenge, Nonce: nonce, MaxPayload: r.cfg.MaxPayload}); err != nil {
		return fmt.Errorf("write challenge: %w", err)
	}

	rc.conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var hello frame
	if err := rc.conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	rc.conn.SetReadDeadline(time.Time{})
	if hello.Type != frameHello {
		return fmt.Errorf("expected hello, got %q", hello.Type)
	}

	if len(hello.PubKey) > 0 {
		if len(hello.PubKey) != ed25519.PublicKeySize || !ed25519.Verify(hello.PubKey, nonce, hello.Sig) {
			return errors.New("bad hello signature")
		}
		rc.address = identity.AddressOf(hello.PubKey)
	} else {
		b := make([]byte, 16)
		rand.Read(b)
		rc.address = "anon-" + hex.EncodeToString(b)
	}
	return nil
}

func (r *Relay) register(rc *relayConn) {
	r.mu.Lock()
	old := r.conns[rc.address]
	r.conns[rc.address] = rc
	r.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
	metrics.RelayConnections.Inc()
	r.logger.Debug("client registered", "address", rc.address)
}

func (r *Relay) unregister(rc *relayConn) {
	rc.conn.Close()
	r.mu.Lock()
	// Only remove if the stored conn is the same object (avoids removing a
	// replacement connection).
	if existing, ok := r.conns[rc.address]; ok && existing == rc {
		delete(r.conns, rc.address)
	}
	r.mu.Unlock()
	metrics.RelayConnections.Dec()
}

func (r *Relay) readLoop(rc *relayConn) {
	for {
		var f frame
		if err := rc.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case frameMint:
			metrics.RelayFrames.WithLabelValues(frameMint).Inc()
			r.mint(rc, f)
		case frameSend:
			metrics.RelayFrames.WithLabelValues(frameSend).Inc()
			r.send(rc, f)
		case frameReply:
			metrics.RelayFrames.WithLabelValues(frameReply).Inc()
			r.reply(rc, f)
		default:
			rc.write(frame{Type: frameError, ID: f.ID, Error: "unknown frame type"})
		}
	}
}

func (r *Relay) mint(rc *relayConn, f frame) {
	if f.N <= 0 || f.N > maxMintPerFrame {
		rc.write(frame{Type: frameError, ID: f.ID, Error: fmt.Sprintf("mint count must be in 1..%d", maxMintPerFrame)})
		return
	}
	tokens := make([][]byte, f.N)
	for i := range tokens {
		tok := make([]byte, tokenSize)
		rand.Read(tok)
		r.tokens.Add(string(tok), rc)
		tokens[i] = tok
	}
	rc.write(frame{Type: frameMinted, ID: f.ID, Tokens: tokens})
}

func (r *Relay) send(rc *relayConn, f frame) {
	if len(f.Payload) > r.cfg.MaxPayload {
		rc.write(frame{Type: frameError, ID: f.ID, Error: ErrTooLarge.Error()})
		return
	}
	if len(f.Tokens) > maxMintPerFrame {
		rc.write(frame{Type: frameError, ID: f.ID, Error: "too many reply tokens"})
		return
	}
	r.mu.RLock()
	dst := r.conns[f.To]
	r.mu.RUnlock()
	if dst == nil {
		metrics.RelayDropped.WithLabelValues("unknown_address").Inc()
		return
	}
	if err := dst.write(frame{Type: frameDeliver, Payload: f.Payload, Tokens: f.Tokens}); err != nil {
		metrics.RelayDropped.WithLabelValues("write_failed").Inc()
	}
}

func (r *Relay) reply(rc *relayConn, f frame) {
	if len(f.Payload) > r.cfg.MaxPayload {
		rc.write(frame{Type: frameError, ID: f.ID, Error: ErrTooLarge.Error()})
		return
	}
	key := string(f.Token)
	dst, ok := r.tokens.Get(key)
	// Remove reports presence, so a token raced by two redeemers is
	// honored once.
	if !ok || !r.tokens.Remove(key) {
		metrics.RelayDropped.WithLabelValues("spent_token").Inc()
		return
	}
	if err := dst.write(frame{Type: frameDeliver, Payload: f.Payload}); err != nil {
		metrics.RelayDropped.WithLabelValues("write_failed").Inc()
	}
}
