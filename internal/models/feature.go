package models

import "time"

// AudioCapture represents one file found in the capture directory
type AudioCapture struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// FeatureVector is the extraction result for one AudioCapture
type FeatureVector struct {
	ZeroCrossingRate float64 `json:"zcr"`      // 0-1
	SpectralCentroid float64 `json:"centroid"` // normalized to Nyquist
	SpectralEntropy  float64 `json:"entropy"`  // bits, 0-log2(num_blocks)
	RolloffFactor    float64 `json:"rolloff"`  // 0-1, 0 when threshold never reached
}

// BufferRecord is a FeatureVector as stored in the durable buffer
type BufferRecord struct {
	FeatureVector
	Line int `json:"-"` // 1-based line in the buffer file
}

// Batch is the payload relayed to the broker on each delivery attempt
type Batch struct {
	DeviceID  string          `json:"device_id"`
	BatchID   string          `json:"batch_id"`
	CreatedAt time.Time       `json:"created_at"`
	Records   []FeatureVector `json:"records"`
}

// RelayAttempt describes the outcome of one publish invocation. Never persisted.
type RelayAttempt struct {
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	Topic       string        `json:"topic"`
	PayloadSize int           `json:"payload_size"`
	Delivered   bool          `json:"delivered"`
	Reason      error         `json:"-"`
	Elapsed     time.Duration `json:"elapsed"`
}

// AgentClock holds scheduler state; the zero LastCheck means "never".
// Only the scheduler writes it, once at the end of every tick.
type AgentClock struct {
	LastCheck time.Time
}
