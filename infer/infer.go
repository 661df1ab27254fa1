// Package infer implements the stateless protocol inferrer (spec component
// C1): given the first bytes of a direction on a connection, decide which
// application protocol they belong to and whether they open a request or a
// response. Every signature below is reproduced exactly from the original
// probe's get_l7_protocol dispatch, including its fixed priority order.
package infer

import (
	"github.com/foolishisme/l7probe/config"
	"github.com/foolishisme/l7probe/proto"
)

// Carrier is the subset of tracker state the MySQL carry-over optimisation
// needs: a small sticky scratch for a previously-seen bare 4-byte header.
// tracker.Tracker implements this so Infer can be handed the tracker
// directly without infer depending on the tracker package.
type Carrier interface {
	// MySQLCarry returns the carried-over header bytes (0..4 of them) left
	// over from a previous event whose length was exactly 4.
	MySQLCarry() []byte
	// SetMySQLCarry replaces the carried-over header bytes.
	SetMySQLCarry(b []byte)
}

// Infer attempts every protocol check enabled in mask, in the fixed
// priority order from spec.md §4.1, and returns the first hit. It returns
// (proto.Unknown, proto.KindUnknown, false) if every enabled check fails.
func Infer(buf []byte, dir proto.Direction, mask config.Mask, carry Carrier) (proto.Protocol, proto.Kind, bool) {
	if mask.Enabled(config.HTTP) {
		if k, ok := http(buf); ok {
			return proto.HTTP, k, true
		}
	}
	if mask.Enabled(config.PostgreSQL) {
		if k, ok := postgres(buf); ok {
			return proto.PostgreSQL, k, true
		}
	}
	if mask.Enabled(config.DNS) {
		if k, ok := dns(buf); ok {
			return proto.DNS, k, true
		}
	}
	if mask.Enabled(config.Redis) {
		if k, ok := redis(buf); ok {
			return proto.Redis, k, true
		}
	}
	if mask.Enabled(config.CRPC) {
		if k, ok := crpc(buf); ok {
			return proto.CRPC, k, true
		}
	}
	if mask.Enabled(config.NATS) {
		if k, ok := nats(buf); ok {
			return proto.NATS, k, true
		}
	}
	if mask.Enabled(config.Cassandra) {
		if k, ok := cassandra(buf); ok {
			return proto.Cassandra, k, true
		}
	}
	if mask.Enabled(config.MongoDB) {
		if k, ok := mongo(buf); ok {
			return proto.MongoDB, k, true
		}
	}
	if mask.Enabled(config.MySQL) {
		if k, ok := mysql(buf, carry); ok {
			return proto.MySQL, k, true
		}
	}
	if mask.Enabled(config.AMQP) {
		if k, ok := amqp(buf); ok {
			return proto.AMQP, k, true
		}
	}
	return proto.Unknown, proto.KindUnknown, false
}

func http(buf []byte) (proto.Kind, bool) {
	if len(buf) < 16 {
		return 0, false
	}
	prefixes := []string{"GET ", "HEAD", "POST", "PUT ", "DELETE"}
	for _, p := range prefixes {
		if len(buf) >= len(p) && string(buf[:len(p)]) == p {
			return proto.Request, true
		}
	}
	return 0, false
}

func postgres(buf []byte) (proto.Kind, bool) {
	if len(buf) < 5 {
		return 0, false
	}
	switch {
	case buf[0] == 'Q' && buf[1] == 0:
		return proto.Request, true
	case buf[0] == 'P' && buf[1] == 0:
		return proto.Request, true
	case buf[0] == 'B' && buf[1] == 0:
		return proto.Request, true
	}
	return 0, false
}

func redis(buf []byte) (proto.Kind, bool) {
	if len(buf) < 6 {
		return 0, false
	}
	switch buf[0] {
	case '+', '-', ':', '$', '*':
	default:
		return 0, false
	}
	n := len(buf)
	if buf[n-2] != '\r' || buf[n-1] != '\n' {
		return 0, false
	}
	return proto.Request, true
}

func dns(buf []byte) (proto.Kind, bool) {
	if len(buf) < 12 || len(buf) > 512 {
		return 0, false
	}
	// byte 3 bits 4-6 (the Z reserved field, RCODE occupies bits 0-3) must be zero.
	if buf[3]&0x70 != 0 {
		return 0, false
	}
	qd := uint16(buf[4])<<8 | uint16(buf[5])
	an := uint16(buf[6])<<8 | uint16(buf[7])
	ns := uint16(buf[8])<<8 | uint16(buf[9])
	ar := uint16(buf[10])<<8 | uint16(buf[11])
	if int(qd)+int(an)+int(ns)+int(ar) > 25 {
		return 0, false
	}
	qr := buf[2]&0x80 != 0
	if qr {
		return proto.Response, true
	}
	return proto.Request, true
}

func nats(buf []byte) (proto.Kind, bool) {
	if len(buf) < 3 {
		return 0, false
	}
	n := len(buf)
	if buf[n-2] != '\r' || buf[n-1] != '\n' {
		return 0, false
	}
	upper := func(b byte) byte {
		if b >= 'a' && b <= 'z' {
			return b - 'a' + 'A'
		}
		return b
	}
	matches := func(tok string) bool {
		if len(buf) < len(tok) {
			return false
		}
		for i := 0; i < len(tok); i++ {
			if upper(buf[i]) != tok[i] {
				return false
			}
		}
		return true
	}
	switch {
	case matches("CONNECT"):
		return proto.Request, true
	case matches("INFO"):
		return proto.Response, true
	case matches("HPUB"):
		return proto.Request, true
	case matches("HMSG"):
		// Correct check per spec.md §9: the HMSG/MSG ambiguity in the
		// source stems from comparing buf[2] against itself twice
		// instead of checking buf[3]; the fix is to require the full
		// four-character token before classifying as HMSG.
		return proto.Response, true
	case matches("SUB"):
		return proto.Request, true
	case matches("PUB"):
		return proto.Request, true
	case matches("UNSUB"):
		return proto.Response, true
	case matches("MSG"):
		return proto.Response, true
	}
	return 0, false
}

const (
	cqlOpError         = 0x00
	cqlOpStartup       = 0x01
	cqlOpReady         = 0x02
	cqlOpAuthenticate  = 0x03
	cqlOpOptions       = 0x05
	cqlOpSupported     = 0x06
	cqlOpQuery         = 0x07
	cqlOpResult        = 0x08
	cqlOpPrepare       = 0x09
	cqlOpExecute       = 0x0A
	cqlOpRegister      = 0x0B
	cqlOpEvent         = 0x0C
	cqlOpBatch         = 0x0D
	cqlOpAuthChallenge = 0x0E
	cqlOpAuthResponse  = 0x0F
	cqlOpAuthSuccess   = 0x10
)

func cassandra(buf []byte) (proto.Kind, bool) {
	if len(buf) < 9 {
		return 0, false
	}
	version := buf[0] & 0x7f
	if version != 3 && version != 4 && version != 5 {
		return 0, false
	}
	if buf[1]&0xf0 != 0 {
		return 0, false
	}
	directionBit := buf[0]&0x80 != 0 // true => response, per CQL framing
	opcode := buf[4]
	switch opcode {
	case cqlOpStartup, cqlOpOptions, cqlOpQuery, cqlOpPrepare, cqlOpExecute,
		cqlOpRegister, cqlOpBatch, cqlOpAuthResponse:
		if directionBit {
			return 0, false
		}
		return proto.Request, true
	case cqlOpError, cqlOpReady, cqlOpAuthenticate, cqlOpSupported, cqlOpResult,
		cqlOpEvent, cqlOpAuthChallenge, cqlOpAuthSuccess:
		if !directionBit {
			return 0, false
		}
		return proto.Response, true
	}
	return 0, false
}

const (
	mongoOpReply       = 1
	mongoOpUpdate      = 2001
	mongoOpInsert      = 2002
	mongoOpQuery       = 2004
	mongoOpGetMore     = 2005
	mongoOpDelete      = 2006
	mongoOpKillCursors = 2007
	mongoOpCompressed  = 2012
	mongoOpMsg         = 2013
)

func mongo(buf []byte) (proto.Kind, bool) {
	if len(buf) < 16 {
		return 0, false
	}
	requestID := int32(le32(buf[4:8]))
	responseTo := int32(le32(buf[8:12]))
	opcode := le32(buf[12:16])
	if requestID < 0 {
		return 0, false
	}
	switch opcode {
	case mongoOpUpdate, mongoOpInsert, mongoOpQuery, mongoOpGetMore,
		mongoOpDelete, mongoOpKillCursors, mongoOpCompressed, mongoOpMsg:
	default:
		return 0, false
	}
	if responseTo == 0 {
		return proto.Request, true
	}
	return proto.Response, true
}

func mysql(buf []byte, carry Carrier) (proto.Kind, bool) {
	effective := buf
	if carry != nil {
		if prev := carry.MySQLCarry(); len(prev) == 4 {
			declared := int(prev[0]) | int(prev[1])<<8 | int(prev[2])<<16
			if declared > 0 && len(buf) == declared {
				effective = make([]byte, 0, 4+len(buf))
				effective = append(effective, prev...)
				effective = append(effective, buf...)
			}
		}
	}
	defer func() {
		if carry == nil {
			return
		}
		if len(buf) == 4 {
			carry.SetMySQLCarry(append([]byte(nil), buf...))
		} else {
			carry.SetMySQLCarry(nil)
		}
	}()

	if len(effective) < 5 {
		return 0, false
	}
	length := int(effective[0]) | int(effective[1])<<8 | int(effective[2])<<16
	if length <= 0 || length > 16*1024*1024 {
		return 0, false
	}
	seq := effective[3]
	if seq != 0 {
		return 0, false
	}
	cmd := effective[4]
	switch cmd {
	case 0x03, 0x0B, 0x16, 0x17, 0x19:
		return proto.Request, true
	}
	return 0, false
}

func crpc(buf []byte) (proto.Kind, bool) {
	if len(buf) < 103 {
		return 0, false
	}
	if buf[0] != 0x1A || buf[1] != 0x19 {
		return 0, false
	}
	version := buf[8]
	if version != 1 && version != 2 {
		return 0, false
	}
	count := len(buf)
	length := int(be32(buf[2:6]))
	headLen := int(be16(buf[6:8]))
	if length != count-6 {
		return 0, false
	}
	if headLen != count-8 {
		return 0, false
	}
	requestFlag := buf[9]&0x80 != 0
	msgFormat := (buf[9] >> 2) & 0x07
	if requestFlag && msgFormat == 0 {
		return proto.Request, true
	}
	return 0, false
}

func amqp(buf []byte) (proto.Kind, bool) {
	if len(buf) >= 8 && string(buf[:4]) == "AMQP" && buf[4] == 0 && buf[5] == 0 && buf[6] == 9 && buf[7] == 1 {
		return proto.Request, true
	}
	if len(buf) >= 1 {
		switch buf[0] {
		case 1, 2, 3, 8:
			// Tentative tag; the AMQP extractor (frame/amqp) assigns the
			// true request/response direction once the method id is known.
			return proto.Request, true
		}
	}
	return 0, false
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func be32(b []byte) uint32 {
	return uint32(b[3]) | uint32(b[2])<<8 | uint32(b[1])<<16 | uint32(b[0])<<24
}

func be16(b []byte) uint16 {
	return uint16(b[1]) | uint16(b[0])<<8
}
