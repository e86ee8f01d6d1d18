package protocol

import "github.com/tutu-network/corerun/internal/domain"

// Negotiate implements the handshake rule from spec §4.1: the server
// echoes back the client's proposed version if it supports it, otherwise
// falls back to the default (V1).
func Negotiate(proposed *domain.ProtocolVersion) domain.ProtocolVersion {
	if proposed == nil {
		return domain.DefaultProtocolVersion
	}
	if Supported(*proposed) {
		return *proposed
	}
	return domain.DefaultProtocolVersion
}

// Supported reports whether v is a version this runtime can encode/decode.
func Supported(v domain.ProtocolVersion) bool {
	switch v {
	case domain.ProtocolV1, domain.ProtocolV2:
		return true
	default:
		return false
	}
}

// Encode serializes env using the wire form selected by version: V1 is
// self-describing JSON, V2 is the compact binary form.
func Encode(env *domain.Envelope, version domain.ProtocolVersion) ([]byte, error) {
	switch version {
	case domain.ProtocolV2:
		return encodeBinary(env)
	default:
		return encodeJSON(env)
	}
}

// Decode parses data using the wire form selected by version.
func Decode(data []byte, version domain.ProtocolVersion) (*domain.Envelope, error) {
	switch version {
	case domain.ProtocolV2:
		return decodeBinary(data)
	default:
		return decodeJSON(data)
	}
}
