// Package transport is the anonymous message channel the engines run on.
//
// Messages are best effort: they may be dropped, reordered or duplicated, and
// each carries at most MaxPayload bytes. A sender never learns the network
// identity of the peer it answers; instead the peer supplies one-time reply
// tokens, each of which can carry exactly one reply.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrTooLarge is returned for payloads above MaxPayload.
	ErrTooLarge = errors.New("payload exceeds transport maximum")

	// ErrTokenSpent is returned when a reply token is unknown or was already
	// redeemed.
	ErrTokenSpent = errors.New("reply token unknown or already redeemed")
)

// ReplyToken is an opaque one-time capability to send a reply to whoever
// minted it. It is never inspected and never used twice.
type ReplyToken []byte

// Inbound is a received message together with the reply tokens the sender
// attached to it.
type Inbound struct {
	Payload     []byte
	ReplyTokens []ReplyToken
}

// Transport is one endpoint of the anonymous channel.
type Transport interface {
	// Send delivers payload to the service at address, attaching tokens the
	// recipient can use to reply.
	Send(ctx context.Context, address string, payload []byte, tokens []ReplyToken) error
	// Reply redeems token to deliver payload back to the token's minter.
	Reply(ctx context.Context, token ReplyToken, payload []byte) error
	// Receive blocks until a message arrives, ctx is done or the transport
	// is closed.
	Receive(ctx context.Context) (Inbound, error)
	// MintReplyTokens creates n fresh tokens addressed to this endpoint.
	MintReplyTokens(ctx context.Context, n int) ([]ReplyToken, error)
	// MaxPayload is the largest payload Send and Reply accept.
	MaxPayload() int
	// Addr is the address other services can Send to.
	Addr() string
	Close() error
}
