package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNetworkSendAndReply(t *testing.T) {
	ctx := testContext(t)
	n := NewNetwork(64)
	server := n.Join("server")
	client := n.Join("")
	require.NotEqual(t, "", client.Addr())

	tokens, err := client.MintReplyTokens(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, "server", []byte("hello"), tokens))

	in, err := server.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), in.Payload)
	require.Len(t, in.ReplyTokens, 2)

	require.NoError(t, server.Reply(ctx, in.ReplyTokens[0], []byte("one")))
	require.ErrorIs(t, server.Reply(ctx, in.ReplyTokens[0], []byte("again")), ErrTokenSpent)
	require.NoError(t, server.Reply(ctx, in.ReplyTokens[1], []byte("two")))

	for _, want := range []string{"one", "two"} {
		got, err := client.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, want, string(got.Payload))
		require.Empty(t, got.ReplyTokens)
	}

	minted, redeemed := n.TokenStats()
	require.Equal(t, 2, minted)
	require.Equal(t, 2, redeemed)
}

func TestNetworkRejectsOversizedPayload(t *testing.T) {
	ctx := testContext(t)
	n := NewNetwork(4)
	a := n.Join("a")
	require.ErrorIs(t, a.Send(ctx, "a", []byte("12345"), nil), ErrTooLarge)
	require.Equal(t, 4, a.MaxPayload())
}

func TestNetworkUnknownAddressIsDropped(t *testing.T) {
	ctx := testContext(t)
	n := NewNetwork(64)
	a := n.Join("a")
	require.NoError(t, a.Send(ctx, "nobody", []byte("x"), nil))
}

func TestNetworkFilterHoldsAndInjects(t *testing.T) {
	ctx := testContext(t)
	n := NewNetwork(64)
	a := n.Join("a")
	b := n.Join("b")

	var held []Delivery
	n.SetFilter(func(d Delivery) bool {
		held = append(held, d)
		return false
	})
	require.NoError(t, a.Send(ctx, "b", []byte("first"), nil))
	require.NoError(t, a.Send(ctx, "b", []byte("second"), nil))
	require.Len(t, held, 2)

	n.Inject(held[1])
	n.Inject(held[0])
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", string(got.Payload))
	got, err = b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", string(got.Payload))
}

func TestEndpointClose(t *testing.T) {
	ctx := testContext(t)
	n := NewNetwork(64)
	a := n.Join("a")
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := a.Receive(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, a.Send(ctx, "b", nil, nil), ErrClosed)
	_, err = a.MintReplyTokens(ctx, 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestReceiveHonorsContext(t *testing.T) {
	n := NewNetwork(64)
	a := n.Join("a")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
