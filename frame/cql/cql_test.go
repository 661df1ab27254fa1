package cql_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/frame/cql"
	"github.com/foolishisme/l7probe/proto"
)

func TestParseQueryRequest(t *testing.T) {
	t.Parallel()
	ex := cql.Extractor{}
	buf := []byte{4, 0x00, 0, 1, 0x07, 0, 0, 0, 2, 'O', 'K'}
	f, status := ex.ParseOne(buf, proto.Egress)
	require.Equal(t, frame.Success, status)
	require.Equal(t, proto.Request, f.Base().Kind)
}

func TestParseResultResponse(t *testing.T) {
	t.Parallel()
	ex := cql.Extractor{}
	buf := []byte{0x84, 0x00, 0, 1, 0x08, 0, 0, 0, 0}
	f, status := ex.ParseOne(buf, proto.Ingress)
	require.Equal(t, frame.Success, status)
	require.Equal(t, proto.Response, f.Base().Kind)
}

func TestDirectionBitMustAgreeWithOpcode(t *testing.T) {
	t.Parallel()
	ex := cql.Extractor{}
	// Response direction bit set but opcode is QUERY (a request opcode).
	buf := []byte{0x84, 0x00, 0, 1, 0x07, 0, 0, 0, 0}
	_, status := ex.ParseOne(buf, proto.Ingress)
	require.Equal(t, frame.Invalid, status)
}
