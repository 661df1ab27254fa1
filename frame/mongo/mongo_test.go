package mongo_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foolishisme/l7probe/frame"
	"github.com/foolishisme/l7probe/frame/mongo"
	"github.com/foolishisme/l7probe/proto"
)

func msg(length, requestID, responseTo, opcode int32) []byte {
	buf := make([]byte, length)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(responseTo))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(opcode))
	return buf
}

func TestOpMsgPairingByResponseTo(t *testing.T) {
	t.Parallel()
	ex := mongo.Extractor{}

	req := msg(16, 7, 0, 2013)
	f, status := ex.ParseOne(req, proto.Egress)
	require.Equal(t, frame.Success, status)
	require.Equal(t, proto.Request, f.Base().Kind)
	require.EqualValues(t, 7, f.(*mongo.Frame).RequestID)

	resp := msg(16, 8, 7, 2013)
	f, status = ex.ParseOne(resp, proto.Ingress)
	require.Equal(t, frame.Success, status)
	require.Equal(t, proto.Response, f.Base().Kind)
	require.EqualValues(t, 7, f.(*mongo.Frame).ResponseTo)
}

func TestUnknownOpcodeIsInvalid(t *testing.T) {
	t.Parallel()
	ex := mongo.Extractor{}
	buf := msg(16, 1, 0, 9999)
	_, status := ex.ParseOne(buf, proto.Egress)
	require.Equal(t, frame.Invalid, status)
}
