package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// natsBridge mirrors every Core.Publish onto an embedded NATS server, the
// same way the teacher's App.startNATS embeds a server for its JetStream
// store — here repurposed so an external tap (e.g. `nats sub`) can observe
// Relay traffic without going through the gateway's SSE stream. It never
// participates in matching or delivery; Core owns that.
type natsBridge = NATSBridge

// NATSBridge is the embedded NATS mirror described above. Exported so the
// composition root can start one and hand it to NewCore.
type NATSBridge struct {
	srv  *server.Server
	conn *nats.Conn
	log  *slog.Logger
}

// NewEmbeddedNATS boots an embedded, unauthenticated NATS server on a
// random free port, grounded on the teacher's App.startNATS.
func NewEmbeddedNATS(log *slog.Logger) (*NATSBridge, error) {
	opts := &server.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}

	return &NATSBridge{srv: ns, conn: conn, log: log}, nil
}

// publish best-effort mirrors env onto subject; a slow or absent external
// subscriber never affects relay delivery.
func (b *NATSBridge) publish(subject string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := b.conn.Publish(subject, data); err != nil && b.log != nil {
		b.log.Debug("nats bridge publish failed", "subject", subject, "error", err)
	}
}

// Close drains the connection and shuts the embedded server down.
func (b *NATSBridge) Close() {
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
	}
}
