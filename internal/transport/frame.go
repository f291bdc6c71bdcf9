package transport

import "time"

// Frame types exchanged between a relay and its clients.
const (
	frameChallenge = "challenge" // relay -> client: nonce, max payload
	frameHello     = "hello"     // client -> relay: public key and signature, or nothing for anonymous
	frameWelcome   = "welcome"   // relay -> client: assigned address
	frameMint      = "mint"      // client -> relay: request n tokens
	frameMinted    = "minted"    // relay -> client: tokens for a mint request
	frameSend      = "send"      // client -> relay: payload for an address
	frameReply     = "reply"     // client -> relay: payload for a token
	frameDeliver   = "deliver"   // relay -> client: inbound payload and tokens
	frameError     = "error"     // relay -> client: failure of a request
)

const (
	// maxFrameSize bounds one websocket frame. Payloads are base64 encoded
	// inside JSON and may travel with a batch of tokens.
	maxFrameSize = 4 << 20

	tokenSize       = 16
	maxMintPerFrame = 1024
	handshakeWait   = 10 * time.Second
	writeWait       = 10 * time.Second
)

type frame struct {
	Type       string   `json:"type"`
	ID         uint64   `json:"id,omitempty"`
	To         string   `json:"to,omitempty"`
	Token      []byte   `json:"token,omitempty"`
	Payload    []byte   `json:"payload,omitempty"`
	Tokens     [][]byte `json:"tokens,omitempty"`
	N          int      `json:"n,omitempty"`
	Nonce      []byte   `json:"nonce,omitempty"`
	PubKey     []byte   `json:"pub,omitempty"`
	Sig        []byte   `json:"sig,omitempty"`
	Address    string   `json:"address,omitempty"`
	MaxPayload int      `json:"max_payload,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func toWire(tokens []ReplyToken) [][]byte {
	if len(tokens) == 0 {
		return nil
	}
	out := make([][]byte, len(tokens))
	for i, t := range tokens {
		out[i] = t
	}
	return out
}

func fromWire(tokens [][]byte) []ReplyToken {
	if len(tokens) == 0 {
		return nil
	}
	out := make([]ReplyToken, len(tokens))
	for i, t := range tokens {
		out[i] = t
	}
	return out
}
