package cache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEntryCodec(t *testing.T) {
	rr, err := dns.NewRR("Mail.Example.com. 300 IN MX 10 mx1.example.com.")
	require.NoError(t, err)
	e := NewEntry(rr, time.Unix(1700000000, 123456789))

	b, err := AppendEntry([]byte{0xff}, e)
	require.NoError(t, err)
	require.Equal(t, byte(0xff), b[0])

	got, err := DecodeEntry(b[1:])
	require.NoError(t, err)
	require.Equal(t, e.Key(), got.Key())
	require.Equal(t, rr.String(), got.RR.String())
	require.True(t, e.InsertedAt.Equal(got.InsertedAt))
	require.Equal(t, e.Expiry().UnixNano(), got.Expiry().UnixNano())
}

func TestDecodeEntry_invalid(t *testing.T) {
	_, err := DecodeEntry([]byte{0x0a, 0xff})
	require.Error(t, err)

	// missing rr
	b := protowire.AppendTag(nil, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, "a.test.")
	_, err = DecodeEntry(b)
	require.ErrorIs(t, err, errInvalidEntry)

	// key does not match the record
	rr, _ := dns.NewRR("a.test. 60 IN A 1.2.3.4")
	good, err := AppendEntry(nil, NewEntry(rr, time.Now()))
	require.NoError(t, err)
	bad := protowire.AppendTag(nil, fieldName, protowire.BytesType)
	bad = protowire.AppendString(bad, "b.test.")
	_, err = DecodeEntry(append(good, bad...))
	require.ErrorIs(t, err, errInvalidEntry)

	// unknown fields are skipped
	extra := protowire.AppendTag(nil, 15, protowire.VarintType)
	extra = protowire.AppendVarint(extra, 1)
	_, err = DecodeEntry(append(extra, good...))
	require.NoError(t, err)
}
