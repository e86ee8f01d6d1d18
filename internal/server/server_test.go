package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tutu-network/corerun/internal/auth"
	"github.com/tutu-network/corerun/internal/connpool"
	"github.com/tutu-network/corerun/internal/domain"
	"github.com/tutu-network/corerun/internal/model"
	"github.com/tutu-network/corerun/internal/protocol"
	"github.com/tutu-network/corerun/internal/queue"
	"github.com/tutu-network/corerun/internal/registry"
	"github.com/tutu-network/corerun/internal/resources"
	"github.com/tutu-network/corerun/internal/swap"
	"github.com/tutu-network/corerun/internal/telemetry"
	"github.com/tutu-network/corerun/internal/worker"
)

type echoModel struct{}

func (echoModel) Infer(ctx context.Context, prompt []uint32, params domain.InferenceParams, cancel model.CancelFlag) ([]uint32, error) {
	out := make([]uint32, params.MaxTokens)
	for i := range out {
		out[i] = uint32(i)
	}
	return out, nil
}
func (echoModel) Stream(ctx context.Context, prompt []uint32, params domain.InferenceParams, cancel model.CancelFlag, emit func(uint32, bool, error)) error {
	for i := 0; i < params.MaxTokens; i++ {
		emit(uint32(i), i == params.MaxTokens-1, nil)
	}
	return nil
}
func (echoModel) MemoryUsage() uint64             { return 128 }
func (echoModel) Capabilities() map[string]string { return nil }
func (echoModel) Unload()                         {}

func startTestServer(t *testing.T) (net.Addr, string, func()) {
	t.Helper()

	reg := registry.New()
	router := registry.NewRouter()
	flight := registry.NewFlightTracker()
	h := reg.Register("llama", nil, echoModel{})
	router.Set("llama", h)

	gov := resources.NewGovernor(resources.Limits{MaxMemoryPerCall: 1 << 20, MaxTotalMemory: 1 << 20, MaxConcurrent: 4})
	q := queue.New(queue.Config{MaxPending: 16, MaxContextTokens: 1000}, nil)
	authMgr := auth.NewManager("secret-token", time.Hour, nil)
	pool := connpool.New(8)
	rec := telemetry.New()
	swapCoord := swap.New(router, reg, flight, func(swap.Manifest) (registry.Model, error) { return echoModel{}, nil }, nil)

	w := worker.New("w0", q, gov, reg, router, flight, nil)
	stop := make(chan struct{})
	go w.Run(stop)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(listener, pool, authMgr, q, swapCoord, rec, w, protocol.FrameLimit(protocol.DefaultFrameLimit), nil)
	go srv.Serve()

	cleanup := func() {
		close(stop)
		srv.Close()
	}
	return listener.Addr(), "secret-token", cleanup
}

func TestServerHandshakeAndInference(t *testing.T) {
	addr, token, cleanup := startTestServer(t)
	defer cleanup()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	version := domain.ProtocolV1
	handshake := &domain.Envelope{Type: domain.MsgHandshake, Handshake: &domain.Handshake{Token: token}}
	sendEnvelope(t, conn, version, handshake)

	ack := recvEnvelope(t, conn, version)
	require.Equal(t, domain.MsgHandshakeAck, ack.Type)
	require.NotEmpty(t, ack.HandshakeAck.SessionId)

	params := domain.DefaultInferenceParams()
	params.MaxTokens = 3
	req := &domain.Envelope{
		Type: domain.MsgInferenceRequest,
		InferenceRequest: &domain.InferenceRequest{
			RequestId:  1,
			ModelId:    "llama",
			Parameters: params,
		},
	}
	sendEnvelope(t, conn, version, req)

	resp := recvEnvelope(t, conn, version)
	require.Equal(t, domain.MsgInferenceResponse, resp.Type)
	assert.True(t, resp.InferenceResponse.Finished)
	assert.Len(t, resp.InferenceResponse.OutputTokens, 3)
}

func TestServerWarmupRoundTrip(t *testing.T) {
	addr, token, cleanup := startTestServer(t)
	defer cleanup()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	version := domain.ProtocolV1
	sendEnvelope(t, conn, version, &domain.Envelope{Type: domain.MsgHandshake, Handshake: &domain.Handshake{Token: token}})
	recvEnvelope(t, conn, version)

	sendEnvelope(t, conn, version, &domain.Envelope{
		Type:          domain.MsgWarmupRequest,
		WarmupRequest: &domain.WarmupRequest{ModelId: "llama", Tokens: 4},
	})
	resp := recvEnvelope(t, conn, version)
	require.Equal(t, domain.MsgWarmupResponse, resp.Type)
	assert.True(t, resp.WarmupResponse.Success)
}

func TestServerStreamingInference(t *testing.T) {
	addr, token, cleanup := startTestServer(t)
	defer cleanup()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	version := domain.ProtocolV1
	sendEnvelope(t, conn, version, &domain.Envelope{Type: domain.MsgHandshake, Handshake: &domain.Handshake{Token: token}})
	recvEnvelope(t, conn, version)

	params := domain.DefaultInferenceParams()
	params.MaxTokens = 4
	params.Stream = true
	req := &domain.Envelope{
		Type: domain.MsgInferenceRequest,
		InferenceRequest: &domain.InferenceRequest{
			RequestId:  2,
			ModelId:    "llama",
			Parameters: params,
		},
	}
	sendEnvelope(t, conn, version, req)

	var chunks []*domain.StreamChunk
	for {
		env := recvEnvelope(t, conn, version)
		require.Equal(t, domain.MsgStreamChunk, env.Type)
		chunks = append(chunks, env.StreamChunk)
		if env.StreamChunk.IsFinal {
			break
		}
	}

	require.Len(t, chunks, 4)
	for i, c := range chunks {
		assert.Equal(t, uint32(i), c.Token)
	}
	assert.True(t, chunks[len(chunks)-1].IsFinal)
	for _, c := range chunks[:len(chunks)-1] {
		assert.False(t, c.IsFinal)
	}
}

func TestServerRejectsBadToken(t *testing.T) {
	addr, _, cleanup := startTestServer(t)
	defer cleanup()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	version := domain.ProtocolV1
	handshake := &domain.Envelope{Type: domain.MsgHandshake, Handshake: &domain.Handshake{Token: "wrong"}}
	sendEnvelope(t, conn, version, handshake)

	resp := recvEnvelope(t, conn, version)
	assert.Equal(t, domain.MsgError, resp.Type)
}

func sendEnvelope(t *testing.T, conn net.Conn, version domain.ProtocolVersion, env *domain.Envelope) {
	t.Helper()
	payload, err := protocol.Encode(env, version)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, payload, protocol.FrameLimit(protocol.DefaultFrameLimit)))
}

func recvEnvelope(t *testing.T, conn net.Conn, version domain.ProtocolVersion) *domain.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := protocol.ReadFrame(conn, protocol.FrameLimit(protocol.DefaultFrameLimit))
	require.NoError(t, err)
	env, err := protocol.Decode(payload, version)
	require.NoError(t, err)
	return env
}
