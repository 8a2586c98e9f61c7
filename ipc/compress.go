package ipc

import "github.com/golang/snappy"

// snappyCompress and snappyDecompress back DefaultController's
// compression hooks (spec section 4.11), chosen because it is the
// only general-purpose compressor in the dependency pack.

func snappyCompress(payload []byte) ([]byte, bool) {
	out := snappy.Encode(nil, payload)
	if len(out) >= len(payload) {
		return nil, false
	}
	return out, true
}

func snappyDecompress(payload []byte) ([]byte, bool) {
	out, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, false
	}
	return out, true
}
