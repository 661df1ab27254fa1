package dns_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/frame/dns"
	"github.com/foolishisme/l7probe/proto"
)

func TestParseQueryAndResponse(t *testing.T) {
	t.Parallel()
	ex := dns.Extractor{}

	q := make([]byte, 12)
	q[0], q[1] = 0x12, 0x34
	f, status := ex.ParseOne(q, proto.Egress)
	require.Equal(t, frame.Success, status)
	require.Equal(t, proto.Request, f.Base().Kind)
	require.EqualValues(t, 0x1234, f.(*dns.Frame).TxID)

	r := make([]byte, 12)
	r[0], r[1] = 0x12, 0x34
	r[2] = 0x80
	f, status = ex.ParseOne(r, proto.Ingress)
	require.Equal(t, frame.Success, status)
	require.Equal(t, proto.Response, f.Base().Kind)
}

func TestNeedsMoreDataUnderTwelveBytes(t *testing.T) {
	t.Parallel()
	ex := dns.Extractor{}
	_, status := ex.ParseOne(make([]byte, 11), proto.Egress)
	require.Equal(t, frame.NeedsMoreData, status)
}
