package ipc

import "github.com/fxamacker/cbor/v2"

// connectData is the small struct carried as the payload of
// Connecting/Accepting buffers (spec section 6.1: "carry a small
// ConnectData struct encoding peer base port and any relay hints").
// The restart token is this implementation's resolution of the open
// question on peer-restart detection (spec section 9): each session
// generates a random token at construction and echoes it on every
// handshake buffer; a peer observing a new token mid-session knows the
// far end restarted.
type connectData struct {
	BasePort uint16 `cbor:"1,keyasint"`
	Token    uint64 `cbor:"2,keyasint"`
}

func encodeHandshake(basePort uint16, token uint64) []byte {
	out, err := cbor.Marshal(connectData{BasePort: basePort, Token: token})
	if err != nil {
		// connectData has no cyclic or unsupported fields; a marshal
		// failure here would be a programming error, not a runtime
		// condition (spec section 7).
		panic(err)
	}
	return out
}

func decodeHandshake(payload []byte) (basePort uint16, token uint64) {
	var cd connectData
	if err := cbor.Unmarshal(payload, &cd); err != nil {
		return 0, 0
	}
	return cd.BasePort, cd.Token
}
