// Package proto defines the protocol, role, and direction vocabulary shared
// by every component of the classification and reconstruction engine.
package proto

import "fmt"

// Protocol identifies an application-layer protocol the engine can classify.
type Protocol int32

const (
	Unknown Protocol = iota
	HTTP
	PostgreSQL
	DNS
	Redis
	NATS
	Cassandra
	MongoDB
	MySQL
	AMQP
	CRPC
	// Kafka has a reserved bitmask value (see config.Kafka) but no inferrer,
	// extractor, or matcher exists for it anywhere in the source this
	// engine was grounded on. It is kept here only so protocol-indexed
	// tables stay total; no tracker can ever classify as Kafka.
	Kafka
)

func (p Protocol) String() string {
	switch p {
	case Unknown:
		return "unknown"
	case HTTP:
		return "http"
	case PostgreSQL:
		return "postgresql"
	case DNS:
		return "dns"
	case Redis:
		return "redis"
	case NATS:
		return "nats"
	case Cassandra:
		return "cassandra"
	case MongoDB:
		return "mongodb"
	case MySQL:
		return "mysql"
	case AMQP:
		return "amqp"
	case CRPC:
		return "crpc"
	case Kafka:
		return "kafka"
	}
	return fmt.Sprintf("Protocol(%d)", int32(p))
}

// Kind is the message role within a request/response exchange.
type Kind int32

const (
	KindUnknown Kind = iota
	Request
	Response
)

func (k Kind) String() string {
	switch k {
	case Request:
		return "request"
	case Response:
		return "response"
	}
	return "unknown"
}

// Direction is the socket-syscall direction a payload event arrived on.
type Direction int32

const (
	Egress Direction = iota
	Ingress
)

func (d Direction) String() string {
	if d == Ingress {
		return "ingress"
	}
	return "egress"
}

// L4Role is the transport-layer role of a connection; Unknown is reserved
// for datagram sockets, which have no client/server distinction at L4.
type L4Role int32

const (
	L4Unknown L4Role = iota
	L4Client
	L4Server
)

// L7Role is the application-layer role, derived from the first successful
// classification. Once set to Client or Server it must never change for the
// lifetime of the tracker (spec.md §3 invariant).
type L7Role int32

const (
	L7Unknown L7Role = iota
	L7Client
	L7Server
)

// DeriveL7Role implements spec.md §3's role formula:
//
//	L7-role = (direction == egress) XOR (kind == response) ? client : server
func DeriveL7Role(dir Direction, kind Kind) L7Role {
	egress := dir == Egress
	response := kind == Response
	if egress != response {
		return L7Client
	}
	return L7Server
}
