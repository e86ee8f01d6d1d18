package cli

import (
	"fmt"
	"net"
	"time"

	"github.com/tutu-network/corerun/internal/config"
	"github.com/tutu-network/corerun/internal/domain"
	"github.com/tutu-network/corerun/internal/protocol"
)

// ipcClient is a thin, one-shot connection to a running corerun daemon:
// dial, handshake, send exactly one request, read exactly one response,
// close. Every read/probe subcommand builds one of these rather than
// keeping a long-lived connection, since the CLI itself is not a
// session participant in the spec's sense.
type ipcClient struct {
	conn    net.Conn
	version domain.ProtocolVersion
	limit   protocol.FrameLimit
}

func dial(cfg config.Config, token string) (*ipcClient, error) {
	conn, err := net.DialTimeout("tcp", cfg.ListenAddress, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.ListenAddress, err)
	}

	c := &ipcClient{conn: conn, version: domain.DefaultProtocolVersion, limit: protocol.FrameLimit(cfg.IPCFrameLimit)}

	if err := c.send(&domain.Envelope{Type: domain.MsgHandshake, Handshake: &domain.Handshake{Token: token}}); err != nil {
		conn.Close()
		return nil, err
	}
	ack, err := c.recv()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Type == domain.MsgError {
		conn.Close()
		return nil, fmt.Errorf("handshake rejected: %s", ack.Error.Message)
	}
	if ack.Type != domain.MsgHandshakeAck {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply type %v", ack.Type)
	}
	c.version = ack.HandshakeAck.ProtocolVersion
	return c, nil
}

func (c *ipcClient) send(env *domain.Envelope) error {
	payload, err := protocol.Encode(env, c.version)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(c.conn, payload, c.limit)
}

func (c *ipcClient) recv() (*domain.Envelope, error) {
	payload, err := protocol.ReadFrame(c.conn, c.limit)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(payload, c.version)
}

func (c *ipcClient) roundTrip(env *domain.Envelope) (*domain.Envelope, error) {
	if err := c.send(env); err != nil {
		return nil, err
	}
	return c.recv()
}

func (c *ipcClient) Close() error { return c.conn.Close() }

func authToken() string {
	return envOr("CORERUN_AUTH_TOKEN", "")
}
