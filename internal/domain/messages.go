package domain

// MessageType discriminates the closed union of IPC payloads (spec §4.1,
// §6). Unknown tags decode to ErrUnknownVariant.
type MessageType uint8

const (
	MsgHandshake MessageType = iota + 1
	MsgHandshakeAck
	MsgInferenceRequest
	MsgInferenceResponse
	MsgStreamChunk
	MsgHealthCheck
	MsgHealthResponse
	MsgMetricsRequest
	MsgMetricsResponse
	MsgSpansRequest
	MsgSpansResponse
	MsgCancelRequest
	MsgCancelResponse
	MsgWarmupRequest
	MsgWarmupResponse
	MsgError
)

func (t MessageType) String() string {
	names := map[MessageType]string{
		MsgHandshake:         "Handshake",
		MsgHandshakeAck:      "HandshakeAck",
		MsgInferenceRequest:  "InferenceRequest",
		MsgInferenceResponse: "InferenceResponse",
		MsgStreamChunk:       "StreamChunk",
		MsgHealthCheck:       "HealthCheck",
		MsgHealthResponse:    "HealthResponse",
		MsgMetricsRequest:    "MetricsRequest",
		MsgMetricsResponse:   "MetricsResponse",
		MsgSpansRequest:      "SpansRequest",
		MsgSpansResponse:     "SpansResponse",
		MsgCancelRequest:     "CancelRequest",
		MsgCancelResponse:    "CancelResponse",
		MsgWarmupRequest:     "WarmupRequest",
		MsgWarmupResponse:    "WarmupResponse",
		MsgError:             "Error",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return "Unknown"
}

// ProtocolVersion selects the message encoding for a session (spec
// §4.1): V1 is JSON text, V2 is msgp binary.
type ProtocolVersion uint8

const (
	ProtocolV1 ProtocolVersion = 1
	ProtocolV2 ProtocolVersion = 2
)

// DefaultProtocolVersion is negotiated when the client proposes nothing,
// or proposes a version the server does not support.
const DefaultProtocolVersion = ProtocolV1

// Envelope is the decoded, logical form of one IPC message: a type tag
// plus exactly one populated payload. Encoders/decoders in
// internal/protocol translate this to/from bytes; every other package
// only ever sees an Envelope.
type Envelope struct {
	Type MessageType

	Handshake         *Handshake         `json:",omitempty"`
	HandshakeAck      *HandshakeAck      `json:",omitempty"`
	InferenceRequest  *InferenceRequest  `json:",omitempty"`
	InferenceResponse *InferenceResponse `json:",omitempty"`
	StreamChunk       *StreamChunk       `json:",omitempty"`
	HealthCheck       *HealthCheckMsg    `json:",omitempty"`
	HealthResponse    *HealthResponse    `json:",omitempty"`
	MetricsRequest    *MetricsRequest    `json:",omitempty"`
	MetricsResponse   *MetricsResponse   `json:",omitempty"`
	SpansRequest      *SpansRequest      `json:",omitempty"`
	SpansResponse     *SpansResponse     `json:",omitempty"`
	CancelRequest     *CancelRequest     `json:",omitempty"`
	CancelResponse    *CancelResponse    `json:",omitempty"`
	WarmupRequest     *WarmupRequest     `json:",omitempty"`
	WarmupResponse    *WarmupResponse    `json:",omitempty"`
	Error             *ErrorMsg          `json:",omitempty"`
}

type Handshake struct {
	Token            string           `json:"token"`
	ProtocolVersion  *ProtocolVersion `json:"protocol_version,omitempty"`
}

type HandshakeAck struct {
	SessionId       string          `json:"session_id"`
	ProtocolVersion ProtocolVersion `json:"protocol_version"`
}

type InferenceRequest struct {
	RequestId    RequestId       `json:"request_id"`
	ModelId      string          `json:"model_id"`
	PromptTokens []uint32        `json:"prompt_tokens"`
	Parameters   InferenceParams `json:"parameters"`
}

type InferenceResponse struct {
	RequestId    RequestId `json:"request_id"`
	OutputTokens []uint32  `json:"output_tokens"`
	Finished     bool      `json:"finished"`
	Error        *string   `json:"error,omitempty"`
}

type StreamChunk struct {
	RequestId RequestId `json:"request_id"`
	Token     uint32    `json:"token"`
	IsFinal   bool      `json:"is_final"`
	Error     *string   `json:"error,omitempty"`
}

type HealthCheckMsg struct {
	CheckType HealthCheckType `json:"check_type"`
}

type HealthResponse struct {
	CheckType HealthCheckType   `json:"check_type"`
	Ok        bool              `json:"ok"`
	Report    map[string]string `json:"report,omitempty"`
}

type MetricsRequest struct{}

type MetricsResponse struct {
	Counters   map[string]float64 `json:"counters"`
	Histograms map[string]float64 `json:"histograms"`
}

type SpansRequest struct{}

type SpansResponse struct {
	Spans []Span `json:"spans"`
}

// Span is one completed request trace, accumulated in a bounded ring
// buffer for SpansRequest debugging.
type Span struct {
	RequestId RequestId `json:"request_id"`
	ModelId   string    `json:"model_id"`
	DurationMs int64    `json:"duration_ms"`
	Outcome   string    `json:"outcome"`
}

type CancelRequest struct {
	RequestId RequestId `json:"request_id"`
}

type CancelResponse struct {
	RequestId RequestId `json:"request_id"`
	Cancelled bool      `json:"cancelled"`
}

type WarmupRequest struct {
	ModelId string `json:"model_id"`
	Tokens  int    `json:"tokens"`
}

type WarmupResponse struct {
	Success   bool  `json:"success"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

type ErrorMsg struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}
