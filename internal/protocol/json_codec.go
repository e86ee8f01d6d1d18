package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/tutu-network/corerun/internal/domain"
)

// textJSON is the self-describing default encoding (spec §4.1). It uses
// json-iterator's ConfigCompatibleWithStandardLibrary for stdlib-identical
// semantics with materially better allocation behavior on the hot path —
// adopted from AIStore, which uses json-iterator throughout its control
// plane for the same reason.
var textJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// wireEnvelope is the on-the-wire shape for the JSON encoding: a "type"
// name tag next to the embedded envelope's own fields, so the payload
// stays nested under its variant name, as in
// {"type":"InferenceRequest",...,"InferenceRequest":{"request_id":1,...}}.
type wireEnvelope struct {
	Type string `json:"type"`
	domain.Envelope
}

func encodeJSON(env *domain.Envelope) ([]byte, error) {
	w := wireEnvelope{Type: env.Type.String(), Envelope: *env}
	return textJSON.Marshal(w)
}

func decodeJSON(data []byte) (*domain.Envelope, error) {
	var w wireEnvelope
	if err := textJSON.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("json decode: %w", domain.ErrInvalidFormat)
	}
	t, ok := typeFromString(w.Type)
	if !ok {
		return nil, domain.ErrUnknownVariant
	}
	w.Envelope.Type = t
	return &w.Envelope, nil
}

func typeFromString(s string) (domain.MessageType, bool) {
	for t := domain.MsgHandshake; t <= domain.MsgError; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}
