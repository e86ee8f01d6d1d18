package protocol

import (
	"bytes"
	"math"
	"testing"

	"github.com/tutu-network/corerun/internal/domain"
)

func roundTrip(t *testing.T, env *domain.Envelope, version domain.ProtocolVersion) *domain.Envelope {
	t.Helper()
	data, err := Encode(env, version)
	if err != nil {
		t.Fatalf("Encode(%s): %v", env.Type, err)
	}
	got, err := Decode(data, version)
	if err != nil {
		t.Fatalf("Decode(%s): %v", env.Type, err)
	}
	if got.Type != env.Type {
		t.Fatalf("Type mismatch: got %s, want %s", got.Type, env.Type)
	}
	return got
}

func TestCodecRoundTripBothVersions(t *testing.T) {
	errStr := "boom"
	pv := domain.ProtocolV2
	cases := []*domain.Envelope{
		{Type: domain.MsgHandshake, Handshake: &domain.Handshake{Token: "tok", ProtocolVersion: &pv}},
		{Type: domain.MsgHandshake, Handshake: &domain.Handshake{Token: "tok"}},
		{Type: domain.MsgHandshakeAck, HandshakeAck: &domain.HandshakeAck{SessionId: "s1", ProtocolVersion: domain.ProtocolV1}},
		{Type: domain.MsgInferenceRequest, InferenceRequest: &domain.InferenceRequest{
			RequestId:    1,
			ModelId:      "m1",
			PromptTokens: []uint32{1, 2, 3},
			Parameters:   domain.DefaultInferenceParams(),
		}},
		{Type: domain.MsgInferenceRequest, InferenceRequest: &domain.InferenceRequest{
			RequestId:    math.MaxUint32,
			ModelId:      "m2",
			PromptTokens: []uint32{},
			Parameters:   domain.DefaultInferenceParams(),
		}},
		{Type: domain.MsgInferenceResponse, InferenceResponse: &domain.InferenceResponse{
			RequestId: 7, OutputTokens: []uint32{9, 9, 9}, Finished: true,
		}},
		{Type: domain.MsgInferenceResponse, InferenceResponse: &domain.InferenceResponse{
			RequestId: 7, OutputTokens: nil, Finished: false, Error: &errStr,
		}},
		{Type: domain.MsgStreamChunk, StreamChunk: &domain.StreamChunk{RequestId: 3, Token: 42, IsFinal: true}},
		{Type: domain.MsgHealthCheck, HealthCheck: &domain.HealthCheckMsg{CheckType: domain.HealthFull}},
		{Type: domain.MsgHealthResponse, HealthResponse: &domain.HealthResponse{
			CheckType: domain.HealthFull, Ok: true, Report: map[string]string{"queue": "ok"},
		}},
		{Type: domain.MsgMetricsRequest, MetricsRequest: &domain.MetricsRequest{}},
		{Type: domain.MsgMetricsResponse, MetricsResponse: &domain.MetricsResponse{
			Counters: map[string]float64{"requests_total": 12}, Histograms: map[string]float64{"p99_ms": 45.2},
		}},
		{Type: domain.MsgCancelRequest, CancelRequest: &domain.CancelRequest{RequestId: 5}},
		{Type: domain.MsgCancelResponse, CancelResponse: &domain.CancelResponse{RequestId: 5, Cancelled: true}},
		{Type: domain.MsgWarmupRequest, WarmupRequest: &domain.WarmupRequest{ModelId: "m1", Tokens: 32}},
		{Type: domain.MsgWarmupResponse, WarmupResponse: &domain.WarmupResponse{Success: true, ElapsedMs: 1200}},
		{Type: domain.MsgError, Error: &domain.ErrorMsg{Code: 4, Message: "nope"}},
	}

	for _, version := range []domain.ProtocolVersion{domain.ProtocolV1, domain.ProtocolV2} {
		for _, env := range cases {
			env := env
			version := version
			t.Run(env.Type.String(), func(t *testing.T) {
				roundTrip(t, env, version)
			})
		}
	}
}

func TestCodecEmptyTokenArray(t *testing.T) {
	env := &domain.Envelope{Type: domain.MsgInferenceRequest, InferenceRequest: &domain.InferenceRequest{
		RequestId:    1,
		ModelId:      "m1",
		PromptTokens: []uint32{},
		Parameters:   domain.DefaultInferenceParams(),
	}}
	for _, v := range []domain.ProtocolVersion{domain.ProtocolV1, domain.ProtocolV2} {
		got := roundTrip(t, env, v)
		if len(got.InferenceRequest.PromptTokens) != 0 {
			t.Fatalf("version %d: expected empty token array, got %v", v, got.InferenceRequest.PromptTokens)
		}
	}
}

func TestCodecMaxRequestId(t *testing.T) {
	env := &domain.Envelope{Type: domain.MsgCancelRequest, CancelRequest: &domain.CancelRequest{
		RequestId: math.MaxUint32,
	}}
	for _, v := range []domain.ProtocolVersion{domain.ProtocolV1, domain.ProtocolV2} {
		got := roundTrip(t, env, v)
		if got.CancelRequest.RequestId != math.MaxUint32 {
			t.Fatalf("version %d: RequestId mismatch: got %d", v, got.CancelRequest.RequestId)
		}
	}
}

func TestCodecLargeTokenPayload(t *testing.T) {
	toks := make([]uint32, 10000)
	for i := range toks {
		toks[i] = uint32(i)
	}
	env := &domain.Envelope{Type: domain.MsgInferenceRequest, InferenceRequest: &domain.InferenceRequest{
		RequestId:    1,
		ModelId:      "big",
		PromptTokens: toks,
		Parameters:   domain.DefaultInferenceParams(),
	}}
	for _, v := range []domain.ProtocolVersion{domain.ProtocolV1, domain.ProtocolV2} {
		got := roundTrip(t, env, v)
		if len(got.InferenceRequest.PromptTokens) != len(toks) {
			t.Fatalf("version %d: token count mismatch: got %d want %d", v, len(got.InferenceRequest.PromptTokens), len(toks))
		}
		if got.InferenceRequest.PromptTokens[9999] != 9999 {
			t.Fatalf("version %d: last token mismatch: got %d", v, got.InferenceRequest.PromptTokens[9999])
		}
	}
}

func TestNegotiate(t *testing.T) {
	v2 := domain.ProtocolV2
	if got := Negotiate(&v2); got != domain.ProtocolV2 {
		t.Fatalf("Negotiate(V2) = %v, want V2", got)
	}
	if got := Negotiate(nil); got != domain.DefaultProtocolVersion {
		t.Fatalf("Negotiate(nil) = %v, want default", got)
	}
	unsupported := domain.ProtocolVersion(99)
	if got := Negotiate(&unsupported); got != domain.DefaultProtocolVersion {
		t.Fatalf("Negotiate(unsupported) = %v, want default", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")
	if err := WriteFrame(&buf, payload, DefaultFrameLimit); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf, DefaultFrameLimit)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadFrame = %q, want %q", got, payload)
	}
}

func TestFrameTooLargeRejectedBeforeRead(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, 100)
	if err := WriteFrame(&buf, payload, FrameLimit(len(payload))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_, err := ReadFrame(&buf, FrameLimit(len(payload)-1))
	if err == nil {
		t.Fatal("expected frame-too-large error, got nil")
	}
	if !bytesIsErrFrameTooLarge(err) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func bytesIsErrFrameTooLarge(err error) bool {
	return domain.AsKind(err) == domain.KindProtocol
}
