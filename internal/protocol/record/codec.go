package record

import (
	"fmt"

	"github.com/danmuck/uspagent/internal/protocol/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from the published record-layer schema.
const (
	fieldVersion         protowire.Number = 1
	fieldToID            protowire.Number = 2
	fieldFromID          protowire.Number = 3
	fieldPayloadSecurity protowire.Number = 4
	fieldMACSignature    protowire.Number = 5
	fieldSenderCert      protowire.Number = 6
	fieldNoSession       protowire.Number = 7
	fieldSession         protowire.Number = 8
	fieldWebSocket       protowire.Number = 9
	fieldMQTT            protowire.Number = 10
	fieldSTOMP           protowire.Number = 11
	fieldDisconnect      protowire.Number = 12
	fieldUDS             protowire.Number = 13

	noSessionPayload protowire.Number = 2

	sessionID          protowire.Number = 1
	sessionSequenceID  protowire.Number = 2
	sessionExpectedID  protowire.Number = 3
	sessionRetransmit  protowire.Number = 4
	sessionSARState    protowire.Number = 5
	sessionRecSARState protowire.Number = 6
	sessionPayload     protowire.Number = 7

	connectVersion     protowire.Number = 1
	connectDestination protowire.Number = 2

	disconnectReason     protowire.Number = 1
	disconnectReasonCode protowire.Number = 2
)

// Encode serializes r after validating the envelope invariants.
func Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var b []byte
	b = wire.AppendString(b, fieldVersion, r.Version)
	b = wire.AppendString(b, fieldToID, r.ToID)
	b = wire.AppendString(b, fieldFromID, r.FromID)
	b = wire.AppendVarint(b, fieldPayloadSecurity, uint64(r.PayloadSecurity))
	b = wire.AppendBytes(b, fieldMACSignature, r.MACSignature)
	b = wire.AppendBytes(b, fieldSenderCert, r.SenderCert)

	switch r.Kind {
	case KindNoSessionContext:
		b = wire.AppendMessage(b, fieldNoSession, wire.AppendBytes(nil, noSessionPayload, r.Payload))
	case KindSessionContext:
		b = wire.AppendMessage(b, fieldSession, encodeSegment(r.Segment))
	case KindWebSocketConnect:
		b = wire.AppendMessage(b, fieldWebSocket, nil)
	case KindUDSConnect:
		b = wire.AppendMessage(b, fieldUDS, nil)
	case KindMQTTConnect:
		var body []byte
		body = wire.AppendVarint(body, connectVersion, uint64(r.MQTTConnect.Version))
		body = wire.AppendString(body, connectDestination, r.MQTTConnect.SubscribedTopic)
		b = wire.AppendMessage(b, fieldMQTT, body)
	case KindSTOMPConnect:
		var body []byte
		body = wire.AppendVarint(body, connectVersion, uint64(r.STOMPConnect.Version))
		body = wire.AppendString(body, connectDestination, r.STOMPConnect.SubscribedDestination)
		b = wire.AppendMessage(b, fieldSTOMP, body)
	case KindDisconnect:
		var body []byte
		body = wire.AppendString(body, disconnectReason, r.Disconnect.Reason)
		body = wire.AppendFixed32(body, disconnectReasonCode, r.Disconnect.ReasonCode)
		b = wire.AppendMessage(b, fieldDisconnect, body)
	}
	return b, nil
}

func encodeSegment(s *Segment) []byte {
	var b []byte
	b = wire.AppendVarint(b, sessionID, s.SessionID)
	b = wire.AppendVarint(b, sessionSequenceID, s.SequenceID)
	b = wire.AppendVarint(b, sessionExpectedID, s.ExpectedID)
	b = wire.AppendVarint(b, sessionRetransmit, s.RetransmitID)
	b = wire.AppendVarint(b, sessionSARState, uint64(s.State))
	b = wire.AppendVarint(b, sessionRecSARState, uint64(s.RecordState))
	b = wire.AppendBytes(b, sessionPayload, s.Data)
	return b
}

// Decode parses and validates one record. Errors wrap ErrMalformedRecord
// or ErrUnsupportedVersion.
func Decode(b []byte) (Record, error) {
	fields, err := wire.DecodeFields(b)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	var r Record
	for _, f := range fields {
		if err := decodeField(&r, f); err != nil {
			return Record{}, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, f.Num, err)
		}
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

func decodeField(r *Record, f wire.Field) error {
	var err error
	switch f.Num {
	case fieldVersion:
		r.Version, err = f.String()
	case fieldToID:
		r.ToID, err = f.String()
	case fieldFromID:
		r.FromID, err = f.String()
	case fieldPayloadSecurity:
		var v uint64
		v, err = f.Uint()
		r.PayloadSecurity = PayloadSecurity(v)
	case fieldMACSignature:
		r.MACSignature, err = f.Raw()
	case fieldSenderCert:
		r.SenderCert, err = f.Raw()
	case fieldNoSession:
		r.resetBody(KindNoSessionContext)
		r.Payload, err = decodeNoSession(f)
	case fieldSession:
		r.resetBody(KindSessionContext)
		r.Segment, err = decodeSegment(f)
	case fieldWebSocket:
		r.resetBody(KindWebSocketConnect)
	case fieldUDS:
		r.resetBody(KindUDSConnect)
	case fieldMQTT:
		r.resetBody(KindMQTTConnect)
		var v uint32
		var dest string
		v, dest, err = decodeConnect(f)
		r.MQTTConnect = &MQTTConnect{Version: v, SubscribedTopic: dest}
	case fieldSTOMP:
		r.resetBody(KindSTOMPConnect)
		var v uint32
		var dest string
		v, dest, err = decodeConnect(f)
		r.STOMPConnect = &STOMPConnect{Version: v, SubscribedDestination: dest}
	case fieldDisconnect:
		r.resetBody(KindDisconnect)
		r.Disconnect, err = decodeDisconnect(f)
	}
	return err
}

// resetBody keeps oneof semantics: the last body on the wire wins.
func (r *Record) resetBody(k Kind) {
	r.Kind = k
	r.Payload = nil
	r.Segment = nil
	r.MQTTConnect = nil
	r.STOMPConnect = nil
	r.Disconnect = nil
}

func decodeNoSession(f wire.Field) ([]byte, error) {
	raw, err := f.Raw()
	if err != nil {
		return nil, err
	}
	fields, err := wire.DecodeFields(raw)
	if err != nil {
		return nil, err
	}
	var payload []byte
	for _, sf := range fields {
		if sf.Num == noSessionPayload {
			if payload, err = sf.Raw(); err != nil {
				return nil, err
			}
		}
	}
	return payload, nil
}

func decodeSegment(f wire.Field) (*Segment, error) {
	raw, err := f.Raw()
	if err != nil {
		return nil, err
	}
	fields, err := wire.DecodeFields(raw)
	if err != nil {
		return nil, err
	}
	s := &Segment{}
	for _, sf := range fields {
		var v uint64
		switch sf.Num {
		case sessionID:
			s.SessionID, err = sf.Uint()
		case sessionSequenceID:
			s.SequenceID, err = sf.Uint()
		case sessionExpectedID:
			s.ExpectedID, err = sf.Uint()
		case sessionRetransmit:
			s.RetransmitID, err = sf.Uint()
		case sessionSARState:
			v, err = sf.Uint()
			s.State = SARState(v)
		case sessionRecSARState:
			v, err = sf.Uint()
			s.RecordState = SARState(v)
		case sessionPayload:
			// repeated payload entries are concatenated in wire order
			if sf.Type != protowire.BytesType {
				return nil, wire.ErrTypeMismatch
			}
			s.Data = append(s.Data, sf.Bytes...)
		}
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func decodeConnect(f wire.Field) (uint32, string, error) {
	raw, err := f.Raw()
	if err != nil {
		return 0, "", err
	}
	fields, err := wire.DecodeFields(raw)
	if err != nil {
		return 0, "", err
	}
	var version uint32
	var dest string
	for _, sf := range fields {
		switch sf.Num {
		case connectVersion:
			v, err := sf.Uint()
			if err != nil {
				return 0, "", err
			}
			version = uint32(v)
		case connectDestination:
			if dest, err = sf.String(); err != nil {
				return 0, "", err
			}
		}
	}
	return version, dest, nil
}

func decodeDisconnect(f wire.Field) (*Disconnect, error) {
	raw, err := f.Raw()
	if err != nil {
		return nil, err
	}
	fields, err := wire.DecodeFields(raw)
	if err != nil {
		return nil, err
	}
	d := &Disconnect{}
	for _, sf := range fields {
		switch sf.Num {
		case disconnectReason:
			if d.Reason, err = sf.String(); err != nil {
				return nil, err
			}
		case disconnectReasonCode:
			v, err := sf.Uint()
			if err != nil {
				return nil, err
			}
			d.ReasonCode = uint32(v)
		}
	}
	return d, nil
}
