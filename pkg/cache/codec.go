package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of an encoded entry:
//
//	message entry {
//	  bytes   name        = 1;
//	  uint32  type        = 2;
//	  fixed64 inserted_at = 3; // unix nano
//	  bytes   rr          = 4; // uncompressed rr wire format
//	}
const (
	fieldName       protowire.Number = 1
	fieldType       protowire.Number = 2
	fieldInsertedAt protowire.Number = 3
	fieldRR         protowire.Number = 4
)

var errInvalidEntry = errors.New("invalid cache entry")

// AppendEntry appends the encoded e to b.
func AppendEntry(b []byte, e *Entry) ([]byte, error) {
	rrBuf := make([]byte, dns.Len(e.RR))
	off, err := dns.PackRR(e.RR, rrBuf, 0, nil, false)
	if err != nil {
		return b, fmt.Errorf("failed to pack rr, %w", err)
	}

	k := e.Key()
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, k.Name)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.Type))
	b = protowire.AppendTag(b, fieldInsertedAt, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(e.InsertedAt.UnixNano()))
	b = protowire.AppendTag(b, fieldRR, protowire.BytesType)
	b = protowire.AppendBytes(b, rrBuf[:off])
	return b, nil
}

// DecodeEntry decodes an entry encoded by AppendEntry.
func DecodeEntry(b []byte) (*Entry, error) {
	var (
		k          Key
		insertedAt int64
		rrWire     []byte
		seen       uint8
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			k.Name = v
			b = b[n:]
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			k.Type = uint16(v)
			b = b[n:]
		case num == fieldInsertedAt && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			insertedAt = int64(v)
			b = b[n:]
		case num == fieldRR && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			rrWire = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		seen |= 1 << (num - 1)
	}
	if seen != 0b1111 {
		return nil, fmt.Errorf("%w: missing fields", errInvalidEntry)
	}

	rr, _, err := dns.UnpackRR(rrWire, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidEntry, err)
	}
	if rr == nil {
		return nil, fmt.Errorf("%w: empty rr", errInvalidEntry)
	}
	e := NewEntry(rr, time.Unix(0, insertedAt))
	if e.Key() != k {
		return nil, fmt.Errorf("%w: key %s does not match rr %s", errInvalidEntry, k, e.Key())
	}
	return e, nil
}
