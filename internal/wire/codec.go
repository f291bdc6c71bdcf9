package wire

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MaxMessageSize bounds any encoded command regardless of the transport.
	MaxMessageSize = 1 << 20

	// MaxNameLen bounds a file name in bytes.
	MaxNameLen = 255

	// DigestLen is the length of the SHA3-256 digest carried by ACK.
	DigestLen = 32

	// DataOverhead is the worst-case framing of a DATA command around its
	// payload: kind, correlation ID, a ten byte index varint and the payload
	// length prefix.
	DataOverhead = 2 + 18 + 11 + 4

	// advertiseHeader is the worst-case framing of an ADVERTISE command
	// around its entries.
	advertiseHeader = 2 + 18 + 11 + 2 + 2

	maxFields = 1 << 16
)

var (
	// ErrMalformed is returned by Decode for any payload that is not a valid
	// command.
	ErrMalformed = errors.New("malformed command")

	// ErrInvalidCommand is returned by Encode for commands that could never
	// decode successfully.
	ErrInvalidCommand = errors.New("invalid command")
)

// Field numbers shared by every command.
const (
	fieldKind protowire.Number = 1
	fieldID   protowire.Number = 2
)

// ChunkSize returns the file content carried by one DATA command when the
// transport accepts maxPayload bytes per message, or 0 if maxPayload is too
// small to carry any content.
func ChunkSize(maxPayload int) int {
	if maxPayload > MaxMessageSize {
		maxPayload = MaxMessageSize
	}
	if maxPayload <= DataOverhead {
		return 0
	}
	return maxPayload - DataOverhead
}

// Encode serializes cmd.
func Encode(cmd Command) ([]byte, error) {
	if err := validate(cmd); err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Kind(), err)
	}
	id := cmd.Correlation()
	b := make([]byte, 0, 64)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cmd.Kind()))
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, id[:])

	switch c := cmd.(type) {
	case Download:
		b = appendString(b, 3, c.Name)
	case Ack:
		b = appendVarint(b, 3, c.TotalSize)
		b = appendVarint(b, 4, c.ChunkCount)
		b = appendVarint(b, 5, c.ChunkSize)
		b = appendBytes(b, 6, c.Digest)
	case Reject:
		b = appendVarint(b, 3, uint64(c.Reason))
	case Data:
		b = appendVarint(b, 3, c.Index)
		b = appendBytes(b, 4, c.Payload)
	case Replenish, GetAdvertise:
	case Advertise:
		b = appendVarint(b, 3, c.Page)
		b = appendVarint(b, 4, protowire.EncodeBool(c.More))
		if c.Truncated {
			b = appendVarint(b, 6, 1)
		}
		for _, e := range c.Entries {
			b = protowire.AppendTag(b, 5, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeEntry(e))
		}
	default:
		return nil, fmt.Errorf("encode %T: %w", cmd, ErrInvalidCommand)
	}
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("encode %s: %d bytes: %w", cmd.Kind(), len(b), ErrInvalidCommand)
	}
	return b, nil
}

func validate(cmd Command) error {
	switch c := cmd.(type) {
	case Download:
		return validName(c.Name)
	case Ack:
		if c.ChunkSize == 0 || len(c.Digest) != DigestLen || c.ChunkCount != ChunkCount(c.TotalSize, c.ChunkSize) {
			return ErrInvalidCommand
		}
	case Reject:
		if c.Reason < ReasonUnavailable || c.Reason > ReasonNotAdvertising {
			return ErrInvalidCommand
		}
	case Data:
		if len(c.Payload) == 0 {
			return ErrInvalidCommand
		}
	case Advertise:
		if c.More && c.Truncated {
			return ErrInvalidCommand
		}
		for _, e := range c.Entries {
			if err := validName(e.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func validName(name string) error {
	if name == "" || len(name) > MaxNameLen || !utf8.ValidString(name) {
		return ErrInvalidCommand
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func encodeEntry(e Entry) []byte {
	b := make([]byte, 0, entryInnerSize(e))
	b = appendString(b, 1, e.Name)
	return appendVarint(b, 2, e.Size)
}

func entryInnerSize(e Entry) int {
	return protowire.SizeTag(1) + protowire.SizeBytes(len(e.Name)) +
		protowire.SizeTag(2) + protowire.SizeVarint(e.Size)
}

// entrySize is the encoded size of e inside an ADVERTISE command.
func entrySize(e Entry) int {
	return protowire.SizeTag(5) + protowire.SizeBytes(entryInnerSize(e))
}

type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	b   []byte
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func readFields(b []byte) ([]field, error) {
	var fs []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			return nil, malformed("field %d: wire type %d", num, typ)
		}
		if n < 0 {
			return nil, malformed("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
		fs = append(fs, f)
		if len(fs) > maxFields {
			return nil, malformed("too many fields")
		}
	}
	return fs, nil
}

// Decode parses a payload into a command. It never panics; any payload that
// is not a well-formed command yields an error wrapping ErrMalformed.
func Decode(p []byte) (Command, error) {
	cmd, err := decode(p)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func decode(p []byte) (Command, error) {
	if len(p) > MaxMessageSize {
		return nil, malformed("%d bytes", len(p))
	}
	fs, err := readFields(p)
	if err != nil {
		return nil, err
	}
	if len(fs) < 2 || fs[0].num != fieldKind || fs[0].typ != protowire.VarintType {
		return nil, malformed("missing kind")
	}
	if fs[1].num != fieldID || fs[1].typ != protowire.BytesType || len(fs[1].b) != len(ID{}) {
		return nil, malformed("missing correlation id")
	}
	var id ID
	copy(id[:], fs[1].b)
	kind := Kind(fs[0].v)
	d := &decoder{kind: kind}
	body := fs[2:]

	switch kind {
	case KindDownload:
		c := Download{ID: id}
		err = d.each(body, func(f field) bool {
			if f.num == 3 && f.typ == protowire.BytesType {
				c.Name = string(f.b)
				return true
			}
			return false
		}, 3)
		if err == nil && validName(c.Name) != nil {
			err = malformed("bad name")
		}
		return c, err
	case KindAck:
		c := Ack{ID: id}
		err = d.each(body, func(f field) bool {
			switch {
			case f.num == 3 && f.typ == protowire.VarintType:
				c.TotalSize = f.v
			case f.num == 4 && f.typ == protowire.VarintType:
				c.ChunkCount = f.v
			case f.num == 5 && f.typ == protowire.VarintType:
				c.ChunkSize = f.v
			case f.num == 6 && f.typ == protowire.BytesType:
				c.Digest = append([]byte(nil), f.b...)
			default:
				return false
			}
			return true
		}, 3, 4, 5, 6)
		if err == nil && validate(c) != nil {
			err = malformed("inconsistent ack")
		}
		return c, err
	case KindReject:
		c := Reject{ID: id}
		err = d.each(body, func(f field) bool {
			if f.num == 3 && f.typ == protowire.VarintType {
				c.Reason = Reason(f.v)
				return true
			}
			return false
		}, 3)
		if err == nil && validate(c) != nil {
			err = malformed("unknown reason %d", uint64(c.Reason))
		}
		return c, err
	case KindData:
		c := Data{ID: id}
		err = d.each(body, func(f field) bool {
			switch {
			case f.num == 3 && f.typ == protowire.VarintType:
				c.Index = f.v
			case f.num == 4 && f.typ == protowire.BytesType:
				c.Payload = append([]byte(nil), f.b...)
			default:
				return false
			}
			return true
		}, 3, 4)
		if err == nil && len(c.Payload) == 0 {
			err = malformed("empty chunk")
		}
		return c, err
	case KindReplenish:
		return Replenish{ID: id}, d.each(body, nil)
	case KindGetAdvertise:
		return GetAdvertise{ID: id}, d.each(body, nil)
	case KindAdvertise:
		c := Advertise{ID: id}
		err = d.each(body, func(f field) bool {
			switch {
			case f.num == 3 && f.typ == protowire.VarintType:
				c.Page = f.v
			case f.num == 4 && f.typ == protowire.VarintType && f.v <= 1:
				c.More = protowire.DecodeBool(f.v)
			case f.num == 6 && f.typ == protowire.VarintType && f.v == 1:
				c.Truncated = true
			default:
				return false
			}
			return true
		}, 3, 4)
		if err != nil {
			return c, err
		}
		if c.More && c.Truncated {
			return c, malformed("truncated page with more to follow")
		}
		for _, f := range d.repeated {
			e, err := decodeEntry(f.b)
			if err != nil {
				return c, err
			}
			c.Entries = append(c.Entries, e)
		}
		return c, nil
	default:
		return nil, malformed("unknown kind %d", uint64(kind))
	}
}

// decoder checks the kind-specific fields of a command. Field 5 of ADVERTISE
// is the only repeated field and is collected rather than matched.
type decoder struct {
	kind     Kind
	repeated []field
}

func (d *decoder) each(fs []field, match func(field) bool, required ...protowire.Number) error {
	var seen uint64
	for _, f := range fs {
		if d.kind == KindAdvertise && f.num == 5 && f.typ == protowire.BytesType {
			d.repeated = append(d.repeated, f)
			continue
		}
		if f.num > 63 || match == nil || !match(f) {
			return malformed("%s: unexpected field %d", d.kind, f.num)
		}
		if seen&(1<<f.num) != 0 {
			return malformed("%s: duplicate field %d", d.kind, f.num)
		}
		seen |= 1 << f.num
	}
	for _, num := range required {
		if seen&(1<<num) == 0 {
			return malformed("%s: missing field %d", d.kind, num)
		}
	}
	return nil
}

func decodeEntry(b []byte) (Entry, error) {
	fs, err := readFields(b)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	d := &decoder{kind: KindAdvertise}
	err = d.each(fs, func(f field) bool {
		switch {
		case f.num == 1 && f.typ == protowire.BytesType:
			e.Name = string(f.b)
		case f.num == 2 && f.typ == protowire.VarintType:
			e.Size = f.v
		default:
			return false
		}
		return true
	}, 1, 2)
	if err != nil {
		return Entry{}, err
	}
	if len(d.repeated) > 0 || validName(e.Name) != nil {
		return Entry{}, malformed("bad entry")
	}
	return e, nil
}
