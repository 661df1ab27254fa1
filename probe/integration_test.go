package probe_test

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/foolishisme/l7probe/config"
	"github.com/foolishisme/l7probe/connid"
	"github.com/foolishisme/l7probe/events"
	"github.com/foolishisme/l7probe/frame/mysqlf"
	"github.com/foolishisme/l7probe/match"
	"github.com/foolishisme/l7probe/metrics"
	"github.com/foolishisme/l7probe/probe"
	"github.com/foolishisme/l7probe/proto"
)

const (
	integrationUser     = "root"
	integrationPassword = "test"
	integrationDB       = "test"
)

// startMySQLContainer launches a throwaway MySQL instance, mirroring the
// container harness the teacher's proxy/mysql tests use.
func startMySQLContainer(t *testing.T) string {
	t.Helper()
	ctx := t.Context()
	ctr, err := mysql.Run(ctx, "mysql:8",
		mysql.WithDatabase(integrationDB),
		mysql.WithUsername(integrationUser),
		mysql.WithPassword(integrationPassword),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

// startTap accepts one connection, relays it unmodified to upstream, and
// tees both directions' bytes into w as DataEvents under id — a passive
// stand-in for the eBPF socket tap this engine is ultimately driven by.
// feed serializes every HandleData call, since real MySQL handshake traffic
// arrives on both directions concurrently.
func startTap(t *testing.T, upstream string, feed func(proto.Direction, []byte)) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		up, err := net.Dial("tcp", upstream)
		if err != nil {
			_ = conn.Close()
			return
		}
		go teeCopy(up, conn, proto.Egress, feed)
		go teeCopy(conn, up, proto.Ingress, feed)
	}()

	return lis.Addr().String()
}

func teeCopy(dst, src net.Conn, dir proto.Direction, feed func(proto.Direction, []byte)) {
	defer func() { _ = dst.Close() }()
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			feed(dir, chunk)
			if _, werr := dst.Write(chunk); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func openIntegrationDB(t *testing.T, addr string) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?timeout=5s", integrationUser, integrationPassword, addr, integrationDB)
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestMySQLSimpleQueryOverRealWire drives an actual MySQL server through the
// go-sql-driver/mysql client, tapping the real wire bytes into the engine
// exactly as the eBPF probe eventually would, and asserts the reconstructed
// query fingerprint and FIFO request/response pairing survive genuine wire
// framing (real handshake noise ahead of the first query, arbitrary TCP
// segmentation).
func TestMySQLSimpleQueryOverRealWire(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	t.Parallel()

	upstream := startMySQLContainer(t)

	var mu sync.Mutex
	var recs []match.Record
	reg := prometheus.NewRegistry()
	w := probe.NewWorker(0, config.Default(), metrics.NewCollector(reg), func(r match.Record) {
		recs = append(recs, r)
	})

	id := connid.ID{TGID: 100, FD: 1}
	feed := func(dir proto.Direction, b []byte) {
		mu.Lock()
		defer mu.Unlock()
		_ = w.HandleData(events.DataEvent{ConnID: id, TSNano: time.Now().UnixNano(), Direction: dir, Payload: b})
	}
	addr := startTap(t, upstream, feed)
	db := openIntegrationDB(t, addr)

	_, err := db.ExecContext(t.Context(), "SELECT 1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range recs {
			if mf, ok := r.Request.(*mysqlf.Frame); ok && mf.Fingerprint == "SELECT ?" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond, "expected a matched record with fingerprint %q", "SELECT ?")
}
