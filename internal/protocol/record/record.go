package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// CurrentVersion is stamped on every record this agent emits.
	CurrentVersion = "1.3"

	SupportedMajorVersion = 1
	MaxMinorVersion       = 4
)

var (
	ErrMalformedRecord    = errors.New("record: malformed record")
	ErrUnsupportedVersion = errors.New("record: unsupported version")
)

type PayloadSecurity uint32

const (
	Plaintext PayloadSecurity = 0
	TLS12     PayloadSecurity = 1
)

func (p PayloadSecurity) String() string {
	switch p {
	case Plaintext:
		return "plaintext"
	case TLS12:
		return "tls12"
	default:
		return "unknown"
	}
}

// Kind identifies which record body is populated.
type Kind int

const (
	KindNone Kind = iota
	KindNoSessionContext
	KindSessionContext
	KindWebSocketConnect
	KindMQTTConnect
	KindSTOMPConnect
	KindDisconnect
	KindUDSConnect
)

func (k Kind) String() string {
	switch k {
	case KindNoSessionContext:
		return "no_session_context"
	case KindSessionContext:
		return "session_context"
	case KindWebSocketConnect:
		return "websocket_connect"
	case KindMQTTConnect:
		return "mqtt_connect"
	case KindSTOMPConnect:
		return "stomp_connect"
	case KindDisconnect:
		return "disconnect"
	case KindUDSConnect:
		return "uds_connect"
	default:
		return "none"
	}
}

// SARState is the segmentation-and-reassembly marker of a session record.
type SARState uint32

const (
	SARNone      SARState = 0
	SARBegin     SARState = 1
	SARInProcess SARState = 2
	SARComplete  SARState = 3
)

// Segment is the session-context body: one whole payload (SARNone) or one
// fragment of a larger payload.
type Segment struct {
	SessionID    uint64
	SequenceID   uint64
	ExpectedID   uint64
	RetransmitID uint64
	State        SARState
	RecordState  SARState
	Data         []byte
}

type MQTTConnect struct {
	Version         uint32
	SubscribedTopic string
}

type STOMPConnect struct {
	Version               uint32
	SubscribedDestination string
}

type Disconnect struct {
	Reason     string
	ReasonCode uint32
}

// Record is the outer USP envelope.
type Record struct {
	Version         string
	ToID            string
	FromID          string
	PayloadSecurity PayloadSecurity
	MACSignature    []byte
	SenderCert      []byte

	Kind         Kind
	Payload      []byte
	Segment      *Segment
	MQTTConnect  *MQTTConnect
	STOMPConnect *STOMPConnect
	Disconnect   *Disconnect
}

// NewPlaintext wraps a full message payload addressed from -> to.
func NewPlaintext(from, to string, payload []byte) Record {
	return Record{
		Version: CurrentVersion,
		ToID:    to,
		FromID:  from,
		Kind:    KindNoSessionContext,
		Payload: payload,
	}
}

// Validate enforces the envelope invariants shared by encode and decode.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Version) == "" {
		return fmt.Errorf("%w: missing version", ErrMalformedRecord)
	}
	if err := CheckVersion(r.Version); err != nil {
		return err
	}
	if strings.TrimSpace(r.ToID) == "" {
		return fmt.Errorf("%w: missing to_id", ErrMalformedRecord)
	}
	if strings.TrimSpace(r.FromID) == "" {
		return fmt.Errorf("%w: missing from_id", ErrMalformedRecord)
	}
	if r.PayloadSecurity != Plaintext && r.PayloadSecurity != TLS12 {
		return fmt.Errorf("%w: unknown payload_security %d", ErrMalformedRecord, r.PayloadSecurity)
	}
	if r.PayloadSecurity == TLS12 && len(r.MACSignature) == 0 {
		return fmt.Errorf("%w: encrypted payload without mac_signature", ErrMalformedRecord)
	}
	switch r.Kind {
	case KindNoSessionContext, KindWebSocketConnect, KindUDSConnect:
	case KindSessionContext:
		if r.Segment == nil {
			return fmt.Errorf("%w: session_context without segment", ErrMalformedRecord)
		}
		if r.Segment.State > SARComplete || r.Segment.RecordState > SARComplete {
			return fmt.Errorf("%w: invalid sar state", ErrMalformedRecord)
		}
	case KindMQTTConnect:
		if r.MQTTConnect == nil {
			return fmt.Errorf("%w: mqtt_connect without body", ErrMalformedRecord)
		}
	case KindSTOMPConnect:
		if r.STOMPConnect == nil {
			return fmt.Errorf("%w: stomp_connect without body", ErrMalformedRecord)
		}
	case KindDisconnect:
		if r.Disconnect == nil {
			return fmt.Errorf("%w: disconnect without body", ErrMalformedRecord)
		}
	default:
		return fmt.Errorf("%w: missing record body", ErrMalformedRecord)
	}
	return nil
}

// CheckVersion accepts "major.minor" within the supported range.
func CheckVersion(v string) error {
	majorRaw, minorRaw, ok := strings.Cut(strings.TrimSpace(v), ".")
	if !ok {
		return fmt.Errorf("%w: version %q", ErrMalformedRecord, v)
	}
	major, err := strconv.Atoi(majorRaw)
	if err != nil {
		return fmt.Errorf("%w: version %q", ErrMalformedRecord, v)
	}
	minor, err := strconv.Atoi(minorRaw)
	if err != nil {
		return fmt.Errorf("%w: version %q", ErrMalformedRecord, v)
	}
	if major != SupportedMajorVersion || minor < 0 || minor > MaxMinorVersion {
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)
	}
	return nil
}
