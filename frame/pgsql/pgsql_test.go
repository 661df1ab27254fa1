package pgsql_test

import (
	"encoding/binary"
	"testing"

	pgproto "github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/require"

	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/frame/pgsql"
	"github.com/foolishisme/l7probe/proto"
)

func queryMessage(sql string) []byte {
	body := append([]byte(sql), 0)
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(4+len(body)))
	buf := []byte{'Q'}
	buf = append(buf, length...)
	buf = append(buf, body...)
	return buf
}

func TestSimpleQueryFingerprint(t *testing.T) {
	t.Parallel()
	ex := pgsql.Extractor{}
	buf := queryMessage("SELECT * FROM users WHERE id = 42")
	f, status := ex.ParseOne(buf, proto.Egress)
	require.Equal(t, frame.Success, status)
	pf := f.(*pgsql.Frame)
	require.Equal(t, byte('Q'), pf.Tag)
	require.Equal(t, proto.Request, pf.Kind)
	require.Equal(t, "SELECT * FROM users WHERE id = ?", pf.Fingerprint)
}

func TestDirectionDisambiguatesSharedTags(t *testing.T) {
	t.Parallel()
	ex := pgsql.Extractor{}
	buf := []byte{'S', 0, 0, 0, 4}
	f, status := ex.ParseOne(buf, proto.Egress)
	require.Equal(t, frame.Success, status)
	require.Equal(t, proto.Request, f.Base().Kind)

	f, status = ex.ParseOne(buf, proto.Ingress)
	require.Equal(t, frame.Success, status)
	require.Equal(t, proto.Response, f.Base().Kind)
}

func TestNeedsMoreDataOnShortHeader(t *testing.T) {
	t.Parallel()
	ex := pgsql.Extractor{}
	_, status := ex.ParseOne([]byte{'Q', 0, 0}, proto.Egress)
	require.Equal(t, frame.NeedsMoreData, status)
}

// TestSimpleQueryWireFormatMatchesPgproto3 synthesizes a Query message with
// the reference encoder (rather than hand-assembled bytes, as the other
// tests here do) and checks this extractor parses exactly what a real
// libpq-speaking client would put on the wire.
func TestSimpleQueryWireFormatMatchesPgproto3(t *testing.T) {
	t.Parallel()
	wire, err := (&pgproto.Query{String: "SELECT 1"}).Encode(nil)
	require.NoError(t, err)

	ex := pgsql.Extractor{}
	f, status := ex.ParseOne(wire, proto.Egress)
	require.Equal(t, frame.Success, status)
	pf := f.(*pgsql.Frame)
	require.Equal(t, byte('Q'), pf.Tag)
	require.Equal(t, "SELECT ?", pf.Fingerprint)
	require.Len(t, pf.Payload, len(wire))
}

func TestFindBoundaryResyncsToPlausibleTag(t *testing.T) {
	t.Parallel()
	ex := pgsql.Extractor{}
	buf := queryMessage("SELECT 1")
	garbled := append([]byte{0xFF, 0xFE, 0xFD}, buf...)
	idx := ex.FindBoundary(garbled)
	require.Equal(t, 3, idx)
}
