package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Signer proves ownership of a service address to the relay.
type Signer interface {
	PublicKey() ed25519.PublicKey
	Sign(msg []byte) []byte
}

// RelayClient is a Transport backed by a websocket connection to a Relay.
type RelayClient struct {
	conn       *websocket.Conn
	wmu        sync.Mutex // guards writes
	address    string
	maxPayload int
	logger     *slog.Logger

	inbox chan Inbound

	mu      sync.Mutex
	pending map[uint64]chan frame
	nextID  uint64

	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*RelayClient)(nil)

// DialRelay connects to the relay at url (e.g. "ws://127.0.0.1:7700/ws").
// With a nil signer the client is anonymous: it can send and mint reply
// tokens but nobody can address it directly.
func DialRelay(ctx context.Context, url string, signer Signer, logger *slog.Logger) (*RelayClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c := &RelayClient{
		conn:    conn,
		logger:  logger.With("component", "relay-client"),
		inbox:   make(chan Inbound, inboxSize),
		pending: make(map[uint64]chan frame),
		done:    make(chan struct{}),
	}
	if err := c.handshake(signer); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *RelayClient) handshake(signer Signer) error {
	c.conn.SetReadDeadline(time.Now().Add(handshakeWait))
	defer c.conn.SetReadDeadline(time.Time{})

	var challenge frame
	if err := c.conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Type != frameChallenge {
		return fmt.Errorf("expected challenge, got %q", challenge.Type)
	}
	hello := frame{Type: frameHello}
	if signer != nil {
		hello.PubKey = signer.PublicKey()
		hello.Sig = signer.Sign(challenge.Nonce)
	}
	if err := c.write(hello); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	var welcome frame
	if err := c.conn.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != frameWelcome || welcome.Address == "" || welcome.MaxPayload <= 0 {
		return errors.New("relay refused registration")
	}
	c.address = welcome.Address
	c.maxPayload = welcome.MaxPayload
	return nil
}

func (c *RelayClient) write(f frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", f.Type, err)
	}
	return nil
}

func (c *RelayClient) readLoop() {
	defer c.shutdown()
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.logger.Debug("relay connection closed", "err", err)
			return
		}
		switch f.Type {
		case frameDeliver:
			select {
			case c.inbox <- Inbound{Payload: f.Payload, ReplyTokens: fromWire(f.Tokens)}:
			default:
				c.logger.Warn("inbox full, message dropped")
			}
		case frameMinted, frameError:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			} else if f.Type == frameError {
				c.logger.Warn("relay error", "err", f.Error)
			}
		}
	}
}

func (c *RelayClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *RelayClient) alive() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
		return nil
	}
}

func (c *RelayClient) Send(ctx context.Context, address string, payload []byte, tokens []ReplyToken) error {
	if err := c.alive(); err != nil {
		return err
	}
	if len(payload) > c.maxPayload {
		return ErrTooLarge
	}
	return c.write(frame{Type: frameSend, To: address, Payload: payload, Tokens: toWire(tokens)})
}

func (c *RelayClient) Reply(ctx context.Context, token ReplyToken, payload []byte) error {
	if err := c.alive(); err != nil {
		return err
	}
	if len(payload) > c.maxPayload {
		return ErrTooLarge
	}
	return c.write(frame{Type: frameReply, Token: token, Payload: payload})
}

func (c *RelayClient) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-c.inbox:
		return in, nil
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	case <-c.done:
		return Inbound{}, ErrClosed
	}
}

// MintReplyTokens asks the relay for n tokens and waits for the answer.
func (c *RelayClient) MintReplyTokens(ctx context.Context, n int) ([]ReplyToken, error) {
	if n == 0 {
		return nil, nil
	}
	var out []ReplyToken
	for n > 0 {
		batch := min(n, maxMintPerFrame)
		tokens, err := c.mint(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, tokens...)
		n -= batch
	}
	return out, nil
}

func (c *RelayClient) mint(ctx context.Context, n int) ([]ReplyToken, error) {
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{Type: frameMint, ID: id, N: n}); err != nil {
		return nil, err
	}
	select {
	case f := <-ch:
		if f.Type == frameError {
			return nil, fmt.Errorf("mint: %s", f.Error)
		}
		if len(f.Tokens) != n {
			return nil, fmt.Errorf("mint: relay returned %d tokens, want %d", len(f.Tokens), n)
		}
		return fromWire(f.Tokens), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *RelayClient) MaxPayload() int { return c.maxPayload }

func (c *RelayClient) Addr() string { return c.address }

// Close disconnects from the relay.
func (c *RelayClient) Close() error {
	c.wmu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	c.shutdown()
	return nil
}
