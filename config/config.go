// Package config holds the engine's tunable knobs: the per-protocol enable
// bitmask, buffer thresholds, and eviction timeouts. Values mirror the
// defaults baked into the original eBPF probe's protocol-enable mask.
package config

import "time"

// Mask is a bitmask of enabled protocols, mirroring the original probe's
// *_ENABLE constants. DNS is excluded from Default because the original
// keeps its detection path compiled out by default; Kafka has a reserved
// bit but no code anywhere exercises it.
type Mask uint32

const (
	HTTP       Mask = 0x0001
	DNS        Mask = 0x0002
	Redis      Mask = 0x0004
	MySQL      Mask = 0x0008
	PostgreSQL Mask = 0x0010
	Kafka      Mask = 0x0020
	MongoDB    Mask = 0x0040
	Cassandra  Mask = 0x0080
	NATS       Mask = 0x0100
	CRPC       Mask = 0x0200
	AMQP       Mask = 0x0400
)

// Enabled reports whether every protocol bit in want is set in m.
func (m Mask) Enabled(want Mask) bool {
	return m&want == want
}

// Config bundles the resource thresholds and protocol gate used across
// rawbuf, stream, tracker and match.
type Config struct {
	// Protocols selects which protocol inferrers/extractors run. DNS is
	// off by default, mirroring the original probe's shipped config.
	Protocols Mask

	// CompactThreshold is the consumed-byte count in a rawbuf.Buffer that
	// triggers a physical head-drop compaction (spec.md §3).
	CompactThreshold int

	// MaxBufferSize is the hard cap on a rawbuf.Buffer's live span; past
	// this the oldest bytes are evicted and the buffer is marked desynced.
	MaxBufferSize int

	// OrphanTimeout is how long an unmatched request or response frame
	// (T_orphan) waits in the matcher before being evicted and counted.
	OrphanTimeout time.Duration

	// StuckLimit is the number of consecutive Invalid parse results not
	// rescued by FindBoundary that a stream tolerates before it is reset:
	// its buffer and frame queue are cleared, and the tracker's protocol
	// classification is kept.
	StuckLimit int

	// MaxTrackers bounds the number of concurrently tracked connections a
	// single worker shard will hold before it starts evicting the
	// least-recently-active tracker.
	MaxTrackers int
}

// Default returns the engine's out-of-the-box configuration.
func Default() Config {
	return Config{
		Protocols:        HTTP | PostgreSQL | Redis | NATS | Cassandra | MongoDB | MySQL | AMQP | CRPC,
		CompactThreshold: 4 * 1024,
		MaxBufferSize:    1 << 20,
		OrphanTimeout:    30 * time.Second,
		StuckLimit:       16,
		MaxTrackers:      1 << 16,
	}
}
