package dnsutils

import (
	"encoding/binary"
	"errors"
)

const headerSize = 12

var ErrInvalidDNSMsg = errors.New("invalid dns msg: too short")

// HeaderInfo contains basic information from a DNS header.
type HeaderInfo struct {
	ID       uint16
	Response bool
	Rcode    int
	ANCount  uint16
}

// GetHeaderInfo parses the DNS header without allocations.
func GetHeaderInfo(msg []byte) (HeaderInfo, error) {
	if len(msg) < headerSize {
		return HeaderInfo{Rcode: -1}, ErrInvalidDNSMsg
	}
	return HeaderInfo{
		ID:       binary.BigEndian.Uint16(msg[0:2]),
		Response: msg[2]&0x80 != 0,
		Rcode:    int(msg[3] & 0xF),
		ANCount:  binary.BigEndian.Uint16(msg[6:8]),
	}, nil
}

// SetID overwrites the id of a wire format msg in place.
func SetID(msg []byte, id uint16) error {
	if len(msg) < headerSize {
		return ErrInvalidDNSMsg
	}
	binary.BigEndian.PutUint16(msg[0:2], id)
	return nil
}

// CopyWithID returns a copy of msg with its id replaced.
func CopyWithID(msg []byte, id uint16) ([]byte, error) {
	if len(msg) < headerSize {
		return nil, ErrInvalidDNSMsg
	}
	c := make([]byte, len(msg))
	copy(c, msg)
	binary.BigEndian.PutUint16(c[0:2], id)
	return c, nil
}
