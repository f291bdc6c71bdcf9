// Package wire defines the commands exchanged between a retrieving peer and a
// serving peer, and their binary encoding.
package wire

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Kind identifies a command on the wire.
type Kind uint64

const (
	KindDownload Kind = iota + 1
	KindAck
	KindReject
	KindData
	KindReplenish
	KindGetAdvertise
	KindAdvertise
)

var kindNames = map[Kind]string{
	KindDownload:     "DOWNLOAD",
	KindAck:          "ACK",
	KindReject:       "REJECT",
	KindData:         "DATA",
	KindReplenish:    "REPLENISH",
	KindGetAdvertise: "GETADVERTISE",
	KindAdvertise:    "ADVERTISE",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", uint64(k))
}

// ID correlates every command belonging to one request. The retrieving side
// picks a fresh random ID per request, so it also serves as the request's
// ephemeral identity towards the serving peer.
type ID [16]byte

// NewID returns a random correlation ID.
func NewID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return id
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Reason is the machine-readable cause carried by a REJECT.
type Reason uint64

const (
	ReasonUnavailable Reason = iota + 1
	ReasonInternal
	ReasonBusy
	ReasonNotAdvertising
)

func (r Reason) String() string {
	switch r {
	case ReasonUnavailable:
		return "unavailable"
	case ReasonInternal:
		return "internal"
	case ReasonBusy:
		return "busy"
	case ReasonNotAdvertising:
		return "not-advertising"
	default:
		return fmt.Sprintf("reason(%d)", uint64(r))
	}
}

// Command is implemented by every wire command.
type Command interface {
	Kind() Kind
	Correlation() ID
}

// Download asks the serving peer for the active file called Name. Reply
// tokens travel alongside it in the transport envelope.
type Download struct {
	ID   ID
	Name string
}

// Ack admits a download and describes how the file will be chunked.
type Ack struct {
	ID         ID
	TotalSize  uint64
	ChunkCount uint64
	ChunkSize  uint64
	Digest     []byte // SHA3-256 of the whole file
}

// Reject refuses a download or an advertise query.
type Reject struct {
	ID     ID
	Reason Reason
}

// Data carries one chunk of file content.
type Data struct {
	ID      ID
	Index   uint64
	Payload []byte
}

// Replenish tops up the reply tokens of an in-flight download.
type Replenish struct {
	ID ID
}

// GetAdvertise asks for the serving peer's advertised catalog.
type GetAdvertise struct {
	ID ID
}

// Entry is one advertised file.
type Entry struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

// Advertise carries one page of a catalog snapshot. More is false on the last
// page the serving peer sent. Truncated, only valid on that last page, says
// the listing was cut short for lack of reply tokens.
type Advertise struct {
	ID        ID
	Page      uint64
	More      bool
	Truncated bool
	Entries   []Entry
}

func (Download) Kind() Kind     { return KindDownload }
func (Ack) Kind() Kind          { return KindAck }
func (Reject) Kind() Kind       { return KindReject }
func (Data) Kind() Kind         { return KindData }
func (Replenish) Kind() Kind    { return KindReplenish }
func (GetAdvertise) Kind() Kind { return KindGetAdvertise }
func (Advertise) Kind() Kind    { return KindAdvertise }

func (c Download) Correlation() ID     { return c.ID }
func (c Ack) Correlation() ID          { return c.ID }
func (c Reject) Correlation() ID       { return c.ID }
func (c Data) Correlation() ID         { return c.ID }
func (c Replenish) Correlation() ID    { return c.ID }
func (c GetAdvertise) Correlation() ID { return c.ID }
func (c Advertise) Correlation() ID    { return c.ID }

// ChunkCount returns how many chunks of chunkSize bytes cover size bytes.
func ChunkCount(size, chunkSize uint64) uint64 {
	if chunkSize == 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}
