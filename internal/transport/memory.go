package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
)

const inboxSize = 4096

// Delivery is a message in flight inside a Network.
type Delivery struct {
	To      string
	Payload []byte
	Tokens  []ReplyToken
	Reply   bool // delivered by redeeming a reply token
}

// Network is an in-process channel connecting Endpoints. It is used by tests
// and by single-process setups.
type Network struct {
	mu         sync.Mutex
	endpoints  map[string]*Endpoint
	tokens     map[string]*Endpoint
	filter     func(Delivery) bool
	maxPayload int
	minted     int
	redeemed   int
}

// NewNetwork returns an empty network with the given payload limit.
func NewNetwork(maxPayload int) *Network {
	return &Network{
		endpoints:  make(map[string]*Endpoint),
		tokens:     make(map[string]*Endpoint),
		maxPayload: maxPayload,
	}
}

// Join attaches a new endpoint under address. An empty address yields a
// random anonymous one.
func (n *Network) Join(address string) *Endpoint {
	if address == "" {
		b := make([]byte, 16)
		rand.Read(b)
		address = "anon-" + hex.EncodeToString(b)
	}
	e := &Endpoint{
		net:     n,
		address: address,
		inbox:   make(chan Inbound, inboxSize),
		closed:  make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[address] = e
	n.mu.Unlock()
	return e
}

// SetFilter installs a hook consulted for every delivery. Returning false
// drops the message; the hook may keep it and hand it to Inject later to
// model delay and reordering.
func (n *Network) SetFilter(f func(Delivery) bool) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Inject delivers d, bypassing the filter.
func (n *Network) Inject(d Delivery) {
	n.mu.Lock()
	e := n.endpoints[d.To]
	n.mu.Unlock()
	if e != nil {
		e.deliver(Inbound{Payload: d.Payload, ReplyTokens: d.Tokens})
	}
}

// TokenStats reports how many reply tokens were minted and redeemed.
func (n *Network) TokenStats() (minted, redeemed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.minted, n.redeemed
}

func (n *Network) route(d Delivery) {
	n.mu.Lock()
	filter := n.filter
	n.mu.Unlock()
	if filter != nil && !filter(d) {
		return
	}
	n.Inject(d)
}

// Endpoint is one participant of a Network. It implements Transport.
type Endpoint struct {
	net       *Network
	address   string
	inbox     chan Inbound
	closed    chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*Endpoint)(nil)

func (e *Endpoint) deliver(in Inbound) {
	select {
	case <-e.closed:
	case e.inbox <- in:
	default:
		// Full inbox: the message is lost, as on the real channel.
	}
}

func (e *Endpoint) check(payload []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	if len(payload) > e.net.maxPayload {
		return ErrTooLarge
	}
	return nil
}

func (e *Endpoint) Send(ctx context.Context, address string, payload []byte, tokens []ReplyToken) error {
	if err := e.check(payload); err != nil {
		return err
	}
	e.net.route(Delivery{
		To:      address,
		Payload: append([]byte(nil), payload...),
		Tokens:  append([]ReplyToken(nil), tokens...),
	})
	return nil
}

func (e *Endpoint) Reply(ctx context.Context, token ReplyToken, payload []byte) error {
	if err := e.check(payload); err != nil {
		return err
	}
	n := e.net
	n.mu.Lock()
	dst, ok := n.tokens[string(token)]
	if ok {
		delete(n.tokens, string(token))
		n.redeemed++
	}
	n.mu.Unlock()
	if !ok {
		return ErrTokenSpent
	}
	n.route(Delivery{To: dst.address, Payload: append([]byte(nil), payload...), Reply: true})
	return nil
}

func (e *Endpoint) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-e.inbox:
		return in, nil
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	case <-e.closed:
		return Inbound{}, ErrClosed
	}
}

func (e *Endpoint) MintReplyTokens(ctx context.Context, count int) ([]ReplyToken, error) {
	if err := e.check(nil); err != nil {
		return nil, err
	}
	out := make([]ReplyToken, count)
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range out {
		tok := make(ReplyToken, 16)
		rand.Read(tok)
		n.tokens[string(tok)] = e
		out[i] = tok
	}
	n.minted += count
	return out, nil
}

func (e *Endpoint) MaxPayload() int { return e.net.maxPayload }

func (e *Endpoint) Addr() string { return e.address }

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.net.mu.Lock()
		if e.net.endpoints[e.address] == e {
			delete(e.net.endpoints, e.address)
		}
		e.net.mu.Unlock()
	})
	return nil
}
