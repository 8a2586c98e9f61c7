package ipc

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the IPC layer's TOML-loadable tunables (spec section 3,
// 4.8, 4.9).
type Config struct {
	// WindowSize is the number of in-flight data slots per session,
	// not counting the dedicated keep-alive slot (spec section 3:
	// "sliding window of up to 6 data buffers + 1 keep-alive slot").
	WindowSize int `toml:"window_size"`

	// ReorderRingSize is the out-of-order receive ring's fixed
	// capacity (spec section 3, default 4).
	ReorderRingSize int `toml:"reorder_ring_size"`

	// ActiveSendSlots bounds how many signals may be in the active
	// send table at once (spec section 4.8, default 16).
	ActiveSendSlots int `toml:"active_send_slots"`

	// MaxSignalBufferCount caps contiguous buffers written per signal
	// per transmit opportunity (spec section 4.8, default 8).
	MaxSignalBufferCount int `toml:"max_signal_buffer_count"`

	// MaxRecvNoUpdateCount is the pending-ack queue length above which
	// the update block is also attached to outbound data buffers; at or
	// below it, acks ride only on non-data (keep-alive) buffers. No
	// buffer is sent just to carry acks (spec section 4.8, default 2).
	MaxRecvNoUpdateCount int `toml:"max_recv_no_update_count"`

	// SessionsPerTalker bounds how many sessions one Talker may own
	// before the Service spawns a new Talker (spec section 4.9,
	// default 1024).
	SessionsPerTalker int `toml:"sessions_per_talker"`

	// MaxTalkers caps the total number of Talkers a Service will
	// create (spec section 4.9, default 32).
	MaxTalkers int `toml:"max_talkers"`

	// DataRetryCap is the per-buffer retry cap for Data buffers before
	// the session transitions to Disconnecting (spec section 5,
	// default 8).
	DataRetryCap int `toml:"data_retry_cap"`

	// HandshakeRetryCap is the retry cap for Connecting/Accepting
	// buffers (spec section 5, default 16).
	HandshakeRetryCap int `toml:"handshake_retry_cap"`

	// SessionKeepAliveMillis and ResponseKeepAliveMillis are the
	// default Controller keep-alive intervals (spec section 4.8, 6.2);
	// 0 disables.
	SessionKeepAliveMillis  int64 `toml:"session_keep_alive_ms"`
	ResponseKeepAliveMillis int64 `toml:"response_keep_alive_ms"`

	// CompressMinSize is the payload size at or above which DefaultController
	// attempts snappy compression (spec section 4.7, 6.2).
	CompressMinSize int `toml:"compress_min_size"`
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:              6,
		ReorderRingSize:         4,
		ActiveSendSlots:         16,
		MaxSignalBufferCount:    8,
		MaxRecvNoUpdateCount:    2,
		SessionsPerTalker:       1024,
		MaxTalkers:              32,
		DataRetryCap:            8,
		HandshakeRetryCap:       16,
		SessionKeepAliveMillis:  30_000,
		ResponseKeepAliveMillis: 5_000,
		CompressMinSize:         256,
	}
}

// LoadConfig reads a TOML document and overlays it onto DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
