package wire

import (
	"bytes"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func digest() []byte { return bytes.Repeat([]byte{0xab}, DigestLen) }

func TestEncodeDecodeCommands(t *testing.T) {
	id := NewID()
	cmds := []Command{
		Download{ID: id, Name: "report.pdf"},
		Ack{ID: id, TotalSize: 10_000, ChunkCount: 10, ChunkSize: 1000, Digest: digest()},
		Ack{ID: id, TotalSize: 0, ChunkCount: 0, ChunkSize: 1000, Digest: digest()},
		Reject{ID: id, Reason: ReasonUnavailable},
		Data{ID: id, Index: 0, Payload: []byte("x")},
		Data{ID: id, Index: math.MaxUint64, Payload: []byte("tail")},
		Replenish{ID: id},
		GetAdvertise{ID: id},
		Advertise{ID: id, Page: 2, More: true, Entries: []Entry{{Name: "a.txt", Size: 1}, {Name: "b.bin", Size: 1 << 40}}},
		Advertise{ID: id},
		Advertise{ID: id, Page: 1, Truncated: true, Entries: []Entry{{Name: "c.txt", Size: 9}}},
	}
	for _, cmd := range cmds {
		t.Run(cmd.Kind().String(), func(t *testing.T) {
			b, err := Encode(cmd)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			require.Equal(t, cmd.Kind(), got.Kind())
			require.Equal(t, id, got.Correlation())
			require.Equal(t, cmd, got)
		})
	}
}

func TestEncodeRejectsInvalidCommands(t *testing.T) {
	id := NewID()
	bad := []Command{
		Download{ID: id},
		Download{ID: id, Name: strings.Repeat("n", MaxNameLen+1)},
		Download{ID: id, Name: "\xff\xfe"},
		Ack{ID: id, TotalSize: 10, ChunkCount: 2, ChunkSize: 10, Digest: digest()},
		Ack{ID: id, TotalSize: 10, ChunkCount: 1, ChunkSize: 10, Digest: []byte{1}},
		Ack{ID: id, TotalSize: 10, ChunkCount: 1, ChunkSize: 0, Digest: digest()},
		Reject{ID: id},
		Reject{ID: id, Reason: 99},
		Data{ID: id, Index: 3},
		Advertise{ID: id, Entries: []Entry{{Name: ""}}},
		Advertise{ID: id, More: true, Truncated: true},
	}
	for _, cmd := range bad {
		_, err := Encode(cmd)
		require.ErrorIs(t, err, ErrInvalidCommand, "%#v", cmd)
	}
}

func TestDecodeMalformed(t *testing.T) {
	id := NewID()
	valid, err := Encode(Download{ID: id, Name: "report.pdf"})
	require.NoError(t, err)

	header := func(kind Kind) []byte {
		b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(kind))
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		return protowire.AppendBytes(b, id[:])
	}

	cases := map[string][]byte{
		"empty":               nil,
		"garbage":             []byte{0xff, 0xff, 0xff},
		"truncated":           valid[:len(valid)-3],
		"kind only":           valid[:2],
		"short id":            append(protowire.AppendTag(header(KindReplenish)[:2], fieldID, protowire.BytesType), 1, 0xaa),
		"unknown kind":        header(42),
		"missing name":        header(KindDownload),
		"unknown field":       appendVarint(header(KindReplenish), 9, 1),
		"duplicate name":      appendString(appendString(header(KindDownload), 3, "a"), 3, "b"),
		"wrong wire type":     appendVarint(header(KindDownload), 3, 7),
		"fixed32 field":       protowire.AppendFixed32(protowire.AppendTag(header(KindDownload), 3, protowire.Fixed32Type), 1),
		"empty data":          appendBytes(appendVarint(header(KindData), 3, 0), 4, nil),
		"unknown reason":      appendVarint(header(KindReject), 3, 77),
		"bad ack":             appendBytes(appendVarint(appendVarint(appendVarint(header(KindAck), 3, 10), 4, 3), 5, 10), 6, digest()),
		"more not boolean":    appendVarint(appendVarint(header(KindAdvertise), 3, 0), 4, 2),
		"truncated with more": appendVarint(appendVarint(appendVarint(header(KindAdvertise), 3, 0), 4, 1), 6, 1),
		"truncated not one":   appendVarint(appendVarint(appendVarint(header(KindAdvertise), 3, 0), 4, 0), 6, 2),
		"bad entry":           appendBytes(appendVarint(appendVarint(header(KindAdvertise), 3, 0), 4, 0), 5, []byte{0x08}),
		"oversized":           make([]byte, MaxMessageSize+1),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			cmd, err := Decode(payload)
			require.ErrorIs(t, err, ErrMalformed)
			require.Nil(t, cmd)
		})
	}
}

func TestDecodeRandomBytesNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	seed, err := Encode(Data{ID: NewID(), Index: 5, Payload: []byte("chunk")})
	require.NoError(t, err)
	for i := 0; i < 5000; i++ {
		b := append([]byte(nil), seed...)
		for j := rng.Intn(4); j >= 0; j-- {
			b[rng.Intn(len(b))] = byte(rng.Intn(256))
		}
		b = b[:rng.Intn(len(b)+1)]
		_, _ = Decode(b)
	}
}

func FuzzDecode(f *testing.F) {
	for _, cmd := range []Command{
		Download{ID: NewID(), Name: "seed"},
		Advertise{ID: NewID(), More: true, Entries: []Entry{{Name: "x", Size: 3}}},
	} {
		b, err := Encode(cmd)
		require.NoError(f, err)
		f.Add(b)
	}
	f.Fuzz(func(t *testing.T, b []byte) {
		cmd, err := Decode(b)
		if err != nil {
			return
		}
		// Anything that decodes must re-encode.
		_, err = Encode(cmd)
		require.NoError(t, err)
	})
}

func TestDataFitsMaxPayload(t *testing.T) {
	for _, maxPayload := range []int{64, 512, 1 << 15, MaxMessageSize} {
		size := ChunkSize(maxPayload)
		require.Positive(t, size)
		b, err := Encode(Data{ID: NewID(), Index: math.MaxUint64, Payload: make([]byte, size)})
		require.NoError(t, err)
		require.LessOrEqual(t, len(b), maxPayload)
	}
	require.Zero(t, ChunkSize(DataOverhead))
}

func TestChunkCount(t *testing.T) {
	require.Equal(t, uint64(0), ChunkCount(0, 10))
	require.Equal(t, uint64(1), ChunkCount(1, 10))
	require.Equal(t, uint64(1), ChunkCount(10, 10))
	require.Equal(t, uint64(2), ChunkCount(11, 10))
	require.Equal(t, uint64(0), ChunkCount(11, 0))
}
