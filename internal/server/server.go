// Package server implements the IPC accept loop (spec §4.11): accept a
// connection, acquire a connection-pool guard, spawn a per-connection
// task that handshakes, authenticates, then dispatches frames until the
// peer disconnects or the frame stream goes bad. Grounded on the
// teacher's daemon.go accept-loop shape (internal/daemon/daemon.go's
// Serve method: accept, spawn, track via sync.WaitGroup for a clean
// Close) combined with AIStore's transport package's per-connection
// read-loop discipline. Per-connection correlation IDs use
// teris-io/shortid, matching how the teacher tags concurrent work in
// its task system for log correlation.
package server

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	"github.com/tutu-network/corerun/internal/auth"
	"github.com/tutu-network/corerun/internal/connpool"
	"github.com/tutu-network/corerun/internal/corelog"
	"github.com/tutu-network/corerun/internal/domain"
	"github.com/tutu-network/corerun/internal/protocol"
	"github.com/tutu-network/corerun/internal/queue"
	"github.com/tutu-network/corerun/internal/swap"
	"github.com/tutu-network/corerun/internal/telemetry"
	"github.com/tutu-network/corerun/internal/worker"
)

var log = corelog.For("server")

// Server accepts IPC connections and dispatches decoded frames.
type Server struct {
	listener   net.Listener
	connPool   *connpool.Pool
	auth       *auth.Manager
	queue      *queue.Queue
	swap       *swap.Coordinator
	telemetry  *telemetry.Recorder
	warmup     *worker.Worker
	frameLimit protocol.FrameLimit
	clock      domain.Clock

	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
	closeSig chan struct{}
}

// New builds a Server around an already-bound listener. clock may be
// nil to use domain.RealClock.
func New(listener net.Listener, connPool *connpool.Pool, authMgr *auth.Manager, q *queue.Queue, swapCoord *swap.Coordinator, rec *telemetry.Recorder, warmupWorker *worker.Worker, frameLimit protocol.FrameLimit, clock domain.Clock) *Server {
	if clock == nil {
		clock = domain.RealClock
	}
	return &Server{
		listener:   listener,
		connPool:   connPool,
		auth:       authMgr,
		queue:      q,
		swap:       swapCoord,
		telemetry:  rec,
		warmup:     warmupWorker,
		frameLimit: frameLimit,
		clock:      clock,
		closeSig:   make(chan struct{}),
	}
}

// Serve accepts connections until Close is called, blocking until every
// spawned connection task has returned.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeSig:
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight
// connection tasks to finish.
func (s *Server) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	close(s.closeSig)
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	guard, err := s.connPool.TryAcquire()
	if err != nil {
		s.writeError(conn, domain.DefaultProtocolVersion, domain.ErrConcurrencyLimit)
		return
	}
	defer guard.Release()

	connID, genErr := shortid.Generate()
	if genErr != nil {
		connID = "unknown"
	}
	logger := log.WithField("conn", connID)

	version, sessionID, ok := s.handshake(conn, logger)
	if !ok {
		return
	}
	if _, err := s.auth.TrackConnection(sessionID); err != nil {
		s.writeError(conn, version, err)
		return
	}
	defer s.auth.ReleaseConnection(sessionID)

	for {
		payload, err := protocol.ReadFrame(conn, s.frameLimit)
		if err != nil {
			logger.WithField("error", err).Debug("connection read ended")
			return
		}
		env, err := protocol.Decode(payload, version)
		if err != nil {
			s.writeError(conn, version, err)
			continue
		}
		if err := s.auth.Validate(sessionID); err != nil {
			s.writeError(conn, version, err)
			return
		}
		s.dispatch(conn, version, sessionID, env, logger)
	}
}

func (s *Server) handshake(conn net.Conn, logger *logrus.Entry) (domain.ProtocolVersion, string, bool) {
	payload, err := protocol.ReadFrame(conn, s.frameLimit)
	if err != nil {
		return 0, "", false
	}
	env, err := protocol.Decode(payload, domain.DefaultProtocolVersion)
	if err != nil || env.Type != domain.MsgHandshake || env.Handshake == nil {
		s.writeError(conn, domain.DefaultProtocolVersion, domain.ErrInvalidFormat)
		return 0, "", false
	}

	proposed := domain.DefaultProtocolVersion
	if env.Handshake.ProtocolVersion != nil {
		proposed = *env.Handshake.ProtocolVersion
	}
	version := protocol.Negotiate(&proposed)

	sessionID, err := s.auth.Authenticate(env.Handshake.Token)
	if err != nil {
		s.writeError(conn, version, err)
		return 0, "", false
	}

	ack := &domain.Envelope{
		Type:         domain.MsgHandshakeAck,
		HandshakeAck: &domain.HandshakeAck{SessionId: sessionID, ProtocolVersion: version},
	}
	if err := s.write(conn, version, ack); err != nil {
		return 0, "", false
	}
	return version, sessionID, true
}

func (s *Server) dispatch(conn net.Conn, version domain.ProtocolVersion, sessionID string, env *domain.Envelope, logger *logrus.Entry) {
	switch env.Type {
	case domain.MsgInferenceRequest:
		s.handleInference(conn, version, env.InferenceRequest)
	case domain.MsgCancelRequest:
		s.handleCancel(conn, version, env.CancelRequest)
	case domain.MsgHealthCheck:
		s.handleHealth(conn, version, env.HealthCheck)
	case domain.MsgMetricsRequest:
		s.handleMetrics(conn, version)
	case domain.MsgSpansRequest:
		s.handleSpans(conn, version)
	case domain.MsgWarmupRequest:
		s.handleWarmup(conn, version, env.WarmupRequest)
	default:
		s.writeError(conn, version, domain.ErrUnknownVariant)
	}
}

func (s *Server) handleInference(conn net.Conn, version domain.ProtocolVersion, req *domain.InferenceRequest) {
	if req == nil {
		s.writeError(conn, version, domain.ErrMissingField)
		return
	}
	if err := req.Parameters.Validate(); err != nil {
		s.writeError(conn, version, err)
		return
	}

	var timeout *time.Duration
	if req.Parameters.TimeoutMs != nil {
		d := time.Duration(*req.Parameters.TimeoutMs) * time.Millisecond
		timeout = &d
	}
	payload := &worker.Request{ModelName: req.ModelId, Prompt: req.PromptTokens, Params: req.Parameters}
	byteLen := len(req.PromptTokens) * 4

	if req.Parameters.Stream {
		s.handleStreamingInference(conn, version, payload, byteLen, timeout)
		return
	}

	reply := make(chan *domain.InferenceResponse, 1)
	if _, err := s.queue.Enqueue(domain.PriorityNormal, byteLen, timeout, reply, payload); err != nil {
		s.writeError(conn, version, err)
		return
	}

	resp := <-reply
	env := &domain.Envelope{Type: domain.MsgInferenceResponse, InferenceResponse: resp}
	s.write(conn, version, env)
}

// streamChunkBuffer sizes the token sender so the worker's non-blocking
// send (see worker.executeStreaming) rarely drops a chunk while this
// goroutine is busy writing the previous one to the connection.
const streamChunkBuffer = 256

// handleStreamingInference enqueues payload on the streaming sidecar and
// forwards every domain.StreamChunk the worker produces to conn as its
// own frame, ending the loop once a chunk arrives with IsFinal set
// (spec invariant 5).
func (s *Server) handleStreamingInference(conn net.Conn, version domain.ProtocolVersion, payload *worker.Request, byteLen int, timeout *time.Duration) {
	sender := make(chan *domain.StreamChunk, streamChunkBuffer)
	if _, err := s.queue.EnqueueStreaming(domain.PriorityNormal, byteLen, timeout, sender, payload); err != nil {
		s.writeError(conn, version, err)
		return
	}

	for chunk := range sender {
		env := &domain.Envelope{Type: domain.MsgStreamChunk, StreamChunk: chunk}
		if err := s.write(conn, version, env); err != nil {
			return
		}
		if chunk.IsFinal {
			return
		}
	}
}

func (s *Server) handleCancel(conn net.Conn, version domain.ProtocolVersion, req *domain.CancelRequest) {
	if req == nil {
		s.writeError(conn, version, domain.ErrMissingField)
		return
	}
	cancelled := s.queue.Cancel(req.RequestId)
	env := &domain.Envelope{
		Type:           domain.MsgCancelResponse,
		CancelResponse: &domain.CancelResponse{RequestId: req.RequestId, Cancelled: cancelled},
	}
	s.write(conn, version, env)
}

func (s *Server) handleHealth(conn net.Conn, version domain.ProtocolVersion, req *domain.HealthCheckMsg) {
	checkType := domain.HealthLiveness
	if req != nil {
		checkType = req.CheckType
	}
	env := &domain.Envelope{
		Type: domain.MsgHealthResponse,
		HealthResponse: &domain.HealthResponse{
			CheckType: checkType,
			Ok:        true,
		},
	}
	s.write(conn, version, env)
}

func (s *Server) handleMetrics(conn net.Conn, version domain.ProtocolVersion) {
	snap, err := s.telemetry.Snapshot()
	if err != nil {
		s.writeError(conn, version, err)
		return
	}
	env := &domain.Envelope{Type: domain.MsgMetricsResponse, MetricsResponse: snap}
	s.write(conn, version, env)
}

func (s *Server) handleSpans(conn net.Conn, version domain.ProtocolVersion) {
	env := &domain.Envelope{
		Type:         domain.MsgSpansResponse,
		SpansResponse: &domain.SpansResponse{Spans: s.telemetry.Spans()},
	}
	s.write(conn, version, env)
}

func (s *Server) handleWarmup(conn net.Conn, version domain.ProtocolVersion, req *domain.WarmupRequest) {
	if req == nil || s.warmup == nil {
		s.writeError(conn, version, domain.ErrMissingField)
		return
	}
	ok, elapsed, err := s.warmup.Warmup(req.ModelId, req.Tokens)
	if err != nil {
		s.writeError(conn, version, err)
		return
	}
	env := &domain.Envelope{
		Type:           domain.MsgWarmupResponse,
		WarmupResponse: &domain.WarmupResponse{Success: ok, ElapsedMs: elapsed.Milliseconds()},
	}
	s.write(conn, version, env)
}

func (s *Server) write(conn net.Conn, version domain.ProtocolVersion, env *domain.Envelope) error {
	payload, err := protocol.Encode(env, version)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(conn, payload, s.frameLimit)
}

func (s *Server) writeError(conn net.Conn, version domain.ProtocolVersion, err error) {
	env := &domain.Envelope{
		Type: domain.MsgError,
		Error: &domain.ErrorMsg{
			Code:    uint32(domain.AsKind(err)),
			Message: err.Error(),
		},
	}
	s.write(conn, version, env)
}
