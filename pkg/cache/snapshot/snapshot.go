package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dchest/safefile"
	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/pmkol/fwdcache/pkg/cache"
	"github.com/pmkol/fwdcache/pkg/errs"
)

const version byte = 1

// maxExpansion bounds decoded/encoded for a snappy block. The densest snappy
// op is a 3 byte copy emitting 64 bytes.
const maxExpansion = 32

var magic = [4]byte{'F', 'W', 'D', 'C'}

var ErrCorrupted = errors.New("corrupted snapshot")

// Encode writes entries in the snapshot format:
// magic, version, then a snappy block of length-delimited entries.
func Encode(w io.Writer, entries []*cache.Entry) error {
	var raw []byte
	for _, e := range entries {
		b, err := cache.AppendEntry(nil, e)
		if err != nil {
			return fmt.Errorf("failed to encode entry %s, %w", e.Key(), err)
		}
		raw = protowire.AppendBytes(raw, b)
	}

	header := append(magic[:], version)
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(snappy.Encode(nil, raw))
	return err
}

// Decode reads a snapshot written by Encode.
func Decode(r io.Reader) ([]*cache.Entry, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(b) < len(magic)+1 || !bytes.Equal(b[:len(magic)], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	if v := b[len(magic)]; v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, v)
	}

	block := b[len(magic)+1:]
	n, err := snappy.DecodedLen(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if n > len(block)*maxExpansion {
		return nil, fmt.Errorf("%w: block of %d bytes claims decoded length %d", ErrCorrupted, len(block), n)
	}
	raw, err := snappy.Decode(nil, block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	var entries []*cache.Entry
	for len(raw) > 0 {
		eb, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		raw = raw[n:]
		e, err := cache.DecodeEntry(eb)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Save atomically replaces the file at path with a snapshot of entries.
func Save(path string, entries []*cache.Entry) error {
	f, err := safefile.Create(path, 0644)
	if err != nil {
		return errs.IO("create snapshot", err)
	}
	defer f.Close()

	if err := Encode(f, entries); err != nil {
		return errs.IO("write snapshot", err)
	}
	if err := f.Commit(); err != nil {
		return errs.IO("commit snapshot", err)
	}
	return nil
}

// Load reads the snapshot at path. A missing file is reported with an error
// that satisfies errors.Is(err, os.ErrNotExist).
func Load(path string) ([]*cache.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IO("open snapshot", err)
	}
	defer f.Close()

	entries, err := Decode(f)
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			return nil, errs.Parse("decode snapshot", err)
		}
		return nil, errs.IO("read snapshot", err)
	}
	return entries, nil
}
