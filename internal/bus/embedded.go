package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

// EmbeddedServer runs a JetStream-enabled NATS server in-process
type EmbeddedServer struct {
	ns     *server.Server
	logger zerolog.Logger
}

// StartEmbedded starts a server listening on host:port with JetStream
// state under storeDir. Port -1 picks a random free port.
func StartEmbedded(host string, port int, storeDir string, logger zerolog.Logger) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "speech-gateway",
		Host:       host,
		Port:       port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	logger = logger.With().Str("component", "nats-server").Logger()
	logger.Info().
		Str("url", ns.ClientURL()).
		Str("store_dir", storeDir).
		Msg("Embedded NATS server started")

	return &EmbeddedServer{ns: ns, logger: logger}, nil
}

// ClientURL is the URL clients should dial
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.logger.Info().Msg("Shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
