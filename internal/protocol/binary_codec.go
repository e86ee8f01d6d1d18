package protocol

import (
	"bytes"
	"fmt"

	"github.com/tinylib/msgp/msgp"
	"github.com/tutu-network/corerun/internal/domain"
)

// binary_codec.go implements the V2 compact encoding (spec §4.1) by
// driving github.com/tinylib/msgp's runtime Writer/Reader directly —
// normally that package's types are only ever touched by `msgp`-generated
// code, but the Writer/Reader API is public and perfectly usable by hand
// for a small closed message set, which is all we need here. Token arrays
// are written as a msgp array header followed by one msgpack uint32 per
// token, in msgpack's own big-endian, variable-width integer encoding;
// they are not packed as fixed-width little-endian words.

func encodeBinary(env *domain.Envelope) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := w.WriteUint8(uint8(env.Type)); err != nil {
		return nil, err
	}
	var err error
	switch env.Type {
	case domain.MsgHandshake:
		err = writeHandshake(w, env.Handshake)
	case domain.MsgHandshakeAck:
		err = writeHandshakeAck(w, env.HandshakeAck)
	case domain.MsgInferenceRequest:
		err = writeInferenceRequest(w, env.InferenceRequest)
	case domain.MsgInferenceResponse:
		err = writeInferenceResponse(w, env.InferenceResponse)
	case domain.MsgStreamChunk:
		err = writeStreamChunk(w, env.StreamChunk)
	case domain.MsgHealthCheck:
		err = w.WriteUint8(uint8(env.HealthCheck.CheckType))
	case domain.MsgHealthResponse:
		err = writeHealthResponse(w, env.HealthResponse)
	case domain.MsgMetricsRequest, domain.MsgSpansRequest:
		// no payload
	case domain.MsgMetricsResponse:
		err = writeMetricsResponse(w, env.MetricsResponse)
	case domain.MsgCancelRequest:
		err = w.WriteUint64(uint64(env.CancelRequest.RequestId))
	case domain.MsgCancelResponse:
		if err = w.WriteUint64(uint64(env.CancelResponse.RequestId)); err == nil {
			err = w.WriteBool(env.CancelResponse.Cancelled)
		}
	case domain.MsgWarmupRequest:
		if err = w.WriteString(env.WarmupRequest.ModelId); err == nil {
			err = w.WriteInt(env.WarmupRequest.Tokens)
		}
	case domain.MsgWarmupResponse:
		if err = w.WriteBool(env.WarmupResponse.Success); err == nil {
			err = w.WriteInt64(env.WarmupResponse.ElapsedMs)
		}
	case domain.MsgError:
		if err = w.WriteUint32(env.Error.Code); err == nil {
			err = w.WriteString(env.Error.Message)
		}
	default:
		return nil, domain.ErrUnknownVariant
	}
	if err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeHandshake(w *msgp.Writer, h *domain.Handshake) error {
	if err := w.WriteString(h.Token); err != nil {
		return err
	}
	hasVersion := h.ProtocolVersion != nil
	if err := w.WriteBool(hasVersion); err != nil {
		return err
	}
	if hasVersion {
		return w.WriteUint8(uint8(*h.ProtocolVersion))
	}
	return nil
}

func writeHandshakeAck(w *msgp.Writer, a *domain.HandshakeAck) error {
	if err := w.WriteString(a.SessionId); err != nil {
		return err
	}
	return w.WriteUint8(uint8(a.ProtocolVersion))
}

func writeTokens(w *msgp.Writer, toks []uint32) error {
	if err := w.WriteArrayHeader(uint32(len(toks))); err != nil {
		return err
	}
	for _, t := range toks {
		if err := w.WriteUint32(t); err != nil {
			return err
		}
	}
	return nil
}

func readTokens(r *msgp.Reader) ([]uint32, error) {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func writeParams(w *msgp.Writer, p domain.InferenceParams) error {
	if err := w.WriteInt(p.MaxTokens); err != nil {
		return err
	}
	if err := w.WriteFloat32(p.Temperature); err != nil {
		return err
	}
	if err := w.WriteFloat32(p.TopP); err != nil {
		return err
	}
	if err := w.WriteInt(p.TopK); err != nil {
		return err
	}
	if err := w.WriteBool(p.Stream); err != nil {
		return err
	}
	hasTimeout := p.TimeoutMs != nil
	if err := w.WriteBool(hasTimeout); err != nil {
		return err
	}
	if hasTimeout {
		return w.WriteUint64(*p.TimeoutMs)
	}
	return nil
}

func readParams(r *msgp.Reader) (domain.InferenceParams, error) {
	var p domain.InferenceParams
	var err error
	if p.MaxTokens, err = r.ReadInt(); err != nil {
		return p, err
	}
	if p.Temperature, err = r.ReadFloat32(); err != nil {
		return p, err
	}
	if p.TopP, err = r.ReadFloat32(); err != nil {
		return p, err
	}
	if p.TopK, err = r.ReadInt(); err != nil {
		return p, err
	}
	if p.Stream, err = r.ReadBool(); err != nil {
		return p, err
	}
	hasTimeout, err := r.ReadBool()
	if err != nil {
		return p, err
	}
	if hasTimeout {
		v, err := r.ReadUint64()
		if err != nil {
			return p, err
		}
		p.TimeoutMs = &v
	}
	return p, nil
}

func writeInferenceRequest(w *msgp.Writer, m *domain.InferenceRequest) error {
	if err := w.WriteUint64(uint64(m.RequestId)); err != nil {
		return err
	}
	if err := w.WriteString(m.ModelId); err != nil {
		return err
	}
	if err := writeTokens(w, m.PromptTokens); err != nil {
		return err
	}
	return writeParams(w, m.Parameters)
}

func writeOptionalString(w *msgp.Writer, s *string) error {
	has := s != nil
	if err := w.WriteBool(has); err != nil {
		return err
	}
	if has {
		return w.WriteString(*s)
	}
	return nil
}

func readOptionalString(r *msgp.Reader) (*string, error) {
	has, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}
	s, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func writeInferenceResponse(w *msgp.Writer, m *domain.InferenceResponse) error {
	if err := w.WriteUint64(uint64(m.RequestId)); err != nil {
		return err
	}
	if err := writeTokens(w, m.OutputTokens); err != nil {
		return err
	}
	if err := w.WriteBool(m.Finished); err != nil {
		return err
	}
	return writeOptionalString(w, m.Error)
}

func writeStreamChunk(w *msgp.Writer, m *domain.StreamChunk) error {
	if err := w.WriteUint64(uint64(m.RequestId)); err != nil {
		return err
	}
	if err := w.WriteUint32(m.Token); err != nil {
		return err
	}
	if err := w.WriteBool(m.IsFinal); err != nil {
		return err
	}
	return writeOptionalString(w, m.Error)
}

func writeHealthResponse(w *msgp.Writer, m *domain.HealthResponse) error {
	if err := w.WriteUint8(uint8(m.CheckType)); err != nil {
		return err
	}
	if err := w.WriteBool(m.Ok); err != nil {
		return err
	}
	if err := w.WriteMapHeader(uint32(len(m.Report))); err != nil {
		return err
	}
	for k, v := range m.Report {
		if err := w.WriteString(k); err != nil {
			return err
		}
		if err := w.WriteString(v); err != nil {
			return err
		}
	}
	return nil
}

func writeMetricsResponse(w *msgp.Writer, m *domain.MetricsResponse) error {
	if err := w.WriteMapHeader(uint32(len(m.Counters))); err != nil {
		return err
	}
	for k, v := range m.Counters {
		if err := w.WriteString(k); err != nil {
			return err
		}
		if err := w.WriteFloat64(v); err != nil {
			return err
		}
	}
	if err := w.WriteMapHeader(uint32(len(m.Histograms))); err != nil {
		return err
	}
	for k, v := range m.Histograms {
		if err := w.WriteString(k); err != nil {
			return err
		}
		if err := w.WriteFloat64(v); err != nil {
			return err
		}
	}
	return nil
}

func decodeBinary(data []byte) (*domain.Envelope, error) {
	r := msgp.NewReader(bytes.NewReader(data))
	tb, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("binary decode: %w", domain.ErrInvalidFormat)
	}
	t := domain.MessageType(tb)
	env := &domain.Envelope{Type: t}

	switch t {
	case domain.MsgHandshake:
		env.Handshake, err = readHandshake(r)
	case domain.MsgHandshakeAck:
		env.HandshakeAck, err = readHandshakeAck(r)
	case domain.MsgInferenceRequest:
		env.InferenceRequest, err = readInferenceRequest(r)
	case domain.MsgInferenceResponse:
		env.InferenceResponse, err = readInferenceResponse(r)
	case domain.MsgStreamChunk:
		env.StreamChunk, err = readStreamChunk(r)
	case domain.MsgHealthCheck:
		var ct uint8
		if ct, err = r.ReadUint8(); err == nil {
			env.HealthCheck = &domain.HealthCheckMsg{CheckType: domain.HealthCheckType(ct)}
		}
	case domain.MsgHealthResponse:
		env.HealthResponse, err = readHealthResponse(r)
	case domain.MsgMetricsRequest:
		env.MetricsRequest = &domain.MetricsRequest{}
	case domain.MsgSpansRequest:
		env.SpansRequest = &domain.SpansRequest{}
	case domain.MsgMetricsResponse:
		env.MetricsResponse, err = readMetricsResponse(r)
	case domain.MsgCancelRequest:
		var id uint64
		if id, err = r.ReadUint64(); err == nil {
			env.CancelRequest = &domain.CancelRequest{RequestId: domain.RequestId(id)}
		}
	case domain.MsgCancelResponse:
		env.CancelResponse, err = readCancelResponse(r)
	case domain.MsgWarmupRequest:
		env.WarmupRequest, err = readWarmupRequest(r)
	case domain.MsgWarmupResponse:
		env.WarmupResponse, err = readWarmupResponse(r)
	case domain.MsgError:
		env.Error, err = readErrorMsg(r)
	default:
		return nil, domain.ErrUnknownVariant
	}
	if err != nil {
		return nil, fmt.Errorf("binary decode %s: %w", t, err)
	}
	return env, nil
}

func readHandshake(r *msgp.Reader) (*domain.Handshake, error) {
	token, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	has, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	h := &domain.Handshake{Token: token}
	if has {
		v, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		pv := domain.ProtocolVersion(v)
		h.ProtocolVersion = &pv
	}
	return h, nil
}

func readHandshakeAck(r *msgp.Reader) (*domain.HandshakeAck, error) {
	sid, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	v, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	return &domain.HandshakeAck{SessionId: sid, ProtocolVersion: domain.ProtocolVersion(v)}, nil
}

func readInferenceRequest(r *msgp.Reader) (*domain.InferenceRequest, error) {
	id, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	modelID, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	toks, err := readTokens(r)
	if err != nil {
		return nil, err
	}
	params, err := readParams(r)
	if err != nil {
		return nil, err
	}
	return &domain.InferenceRequest{
		RequestId:    domain.RequestId(id),
		ModelId:      modelID,
		PromptTokens: toks,
		Parameters:   params,
	}, nil
}

func readInferenceResponse(r *msgp.Reader) (*domain.InferenceResponse, error) {
	id, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	toks, err := readTokens(r)
	if err != nil {
		return nil, err
	}
	finished, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	errStr, err := readOptionalString(r)
	if err != nil {
		return nil, err
	}
	return &domain.InferenceResponse{
		RequestId:    domain.RequestId(id),
		OutputTokens: toks,
		Finished:     finished,
		Error:        errStr,
	}, nil
}

func readStreamChunk(r *msgp.Reader) (*domain.StreamChunk, error) {
	id, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	tok, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	isFinal, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	errStr, err := readOptionalString(r)
	if err != nil {
		return nil, err
	}
	return &domain.StreamChunk{RequestId: domain.RequestId(id), Token: tok, IsFinal: isFinal, Error: errStr}, nil
}

func readHealthResponse(r *msgp.Reader) (*domain.HealthResponse, error) {
	ct, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	ok, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	var report map[string]string
	if n > 0 {
		report = make(map[string]string, n)
	}
	for i := uint32(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		report[k] = v
	}
	return &domain.HealthResponse{CheckType: domain.HealthCheckType(ct), Ok: ok, Report: report}, nil
}

func readMetricsResponse(r *msgp.Reader) (*domain.MetricsResponse, error) {
	counters, err := readFloatMap(r)
	if err != nil {
		return nil, err
	}
	histograms, err := readFloatMap(r)
	if err != nil {
		return nil, err
	}
	return &domain.MetricsResponse{Counters: counters, Histograms: histograms}, nil
}

func readFloatMap(r *msgp.Reader) (map[string]float64, error) {
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	m := make(map[string]float64, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadFloat64()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func readCancelResponse(r *msgp.Reader) (*domain.CancelResponse, error) {
	id, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	cancelled, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	return &domain.CancelResponse{RequestId: domain.RequestId(id), Cancelled: cancelled}, nil
}

func readWarmupRequest(r *msgp.Reader) (*domain.WarmupRequest, error) {
	modelID, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	tokens, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	return &domain.WarmupRequest{ModelId: modelID, Tokens: tokens}, nil
}

func readWarmupResponse(r *msgp.Reader) (*domain.WarmupResponse, error) {
	success, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	elapsed, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	return &domain.WarmupResponse{Success: success, ElapsedMs: elapsed}, nil
}

func readErrorMsg(r *msgp.Reader) (*domain.ErrorMsg, error) {
	code, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	msg, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &domain.ErrorMsg{Code: code, Message: msg}, nil
}
