package natsutil

import (
	"testing"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// StartTestServer starts an embedded server scoped to the test.
func StartTestServer(tb testing.TB) *natsserver.Server {
	tb.Helper()

	srv, err := StartEmbedded(EmbeddedOptions{StoreDir: tb.TempDir()})
	if err != nil {
		tb.Fatalf("starting nats: %v", err)
	}

	tb.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

// ConnectTestServer starts a server and returns a client connection to it.
func ConnectTestServer(tb testing.TB) *nats.Conn {
	tb.Helper()

	srv := StartTestServer(tb)
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		tb.Fatalf("connecting to nats: %v", err)
	}
	tb.Cleanup(nc.Close)
	return nc
}
