package session

import "time"

// SequenceModulus bounds sequence ids; they wrap to zero past this value.
const SequenceModulus uint64 = 1 << 32

// Config defines record-layer session defaults.
type Config struct {
	// LocalID is stamped as from_id on every outbound record.
	LocalID string
	// MaxSegmentSize is the largest payload chunk carried by one record.
	// Zero disables segmentation.
	MaxSegmentSize int
	// UseSessionContext sends whole payloads in session-context records
	// instead of no-session-context records.
	UseSessionContext bool
	ReassemblyTimeout time.Duration
	// MaxReassemblyBytes caps one reassembly buffer.
	MaxReassemblyBytes int
}

func DefaultConfig() Config {
	return Config{
		MaxSegmentSize:     64 * 1024,
		ReassemblyTimeout:  30 * time.Second,
		MaxReassemblyBytes: 4 * 1024 * 1024,
	}
}
