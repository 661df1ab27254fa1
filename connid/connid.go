// Package connid defines the identity of a traced socket: the kernel-side
// (tgid, fd) pair the probe's control channel reports events against, and
// the L4 endpoint addresses. Shard hashing uses the ID only.
package connid

import (
	"fmt"
	"net"
)

// ID uniquely identifies a traced socket for the lifetime of a single
// connect/close cycle, mirroring conn_id_s in the original probe.
type ID struct {
	TGID uint32
	FD   int32
	// Cookie disambiguates fd reuse within the same tgid: the kernel hands
	// out a monotonically increasing generation number per open() so a
	// closed-and-reopened fd never aliases a stale tracker.
	Cookie uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d:%d", id.TGID, id.FD, id.Cookie)
}

// Family is the socket address family, restricted to the two the original
// probe's conn_addr_s supports.
type Family uint8

const (
	AF_UNSPEC Family = iota
	AF_INET
	AF_INET6
)

// Addr is one endpoint of a traced connection.
type Addr struct {
	Family Family
	IP     net.IP
	Port   uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

// Tuple is the full four-tuple of a connection. Shard hashing (ShardKey)
// and request/response matching do not use it.
type Tuple struct {
	Local  Addr
	Remote Addr
}

// ShardKey returns a stable hash input for assigning this connection's
// tracker to a worker shard. Workers never share trackers, so this need
// only be deterministic per ID, not per Tuple.
func (id ID) ShardKey() uint64 {
	// FNV-1a over the fixed-width fields, inlined to avoid pulling in a
	// hash package for three integers.
	h := uint64(14695981039346656037)
	for _, b := range [...]byte{
		byte(id.TGID), byte(id.TGID >> 8), byte(id.TGID >> 16), byte(id.TGID >> 24),
		byte(id.FD), byte(id.FD >> 8), byte(id.FD >> 16), byte(id.FD >> 24),
		byte(id.Cookie), byte(id.Cookie >> 8), byte(id.Cookie >> 16), byte(id.Cookie >> 24),
		byte(id.Cookie >> 32), byte(id.Cookie >> 40), byte(id.Cookie >> 48), byte(id.Cookie >> 56),
	} {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}
