package record

import (
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/uspagent/internal/protocol/wire"
	"github.com/danmuck/uspagent/internal/testutil/testlog"
)

func TestEncodeDecodeRoundTripAllKinds(t *testing.T) {
	testlog.Start(t)
	base := func(k Kind) Record {
		return Record{Version: CurrentVersion, ToID: "proto::agent", FromID: "proto::controller", Kind: k}
	}
	plain := base(KindNoSessionContext)
	plain.Payload = []byte{0x0a, 0x02, 0x08, 0x01}

	seg := base(KindSessionContext)
	seg.Segment = &Segment{
		SessionID:    9,
		SequenceID:   1 << 31,
		ExpectedID:   4,
		RetransmitID: 2,
		State:        SARInProcess,
		RecordState:  SARNone,
		Data:         []byte("chunk"),
	}

	secured := base(KindNoSessionContext)
	secured.PayloadSecurity = TLS12
	secured.MACSignature = []byte("mac")
	secured.SenderCert = []byte("cert")
	secured.Payload = []byte("ciphertext")

	mqtt := base(KindMQTTConnect)
	mqtt.MQTTConnect = &MQTTConnect{Version: 1, SubscribedTopic: "usp/agent"}
	stomp := base(KindSTOMPConnect)
	stomp.STOMPConnect = &STOMPConnect{SubscribedDestination: "/queue/agent"}
	disc := base(KindDisconnect)
	disc.Disconnect = &Disconnect{Reason: "shutdown", ReasonCode: 7100}

	cases := map[string]Record{
		"plaintext":  plain,
		"segment":    seg,
		"tls12":      secured,
		"websocket":  base(KindWebSocketConnect),
		"uds":        base(KindUDSConnect),
		"mqtt":       mqtt,
		"stomp":      stomp,
		"disconnect": disc,
	}
	for name, in := range cases {
		b, err := Encode(in)
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		out, err := Decode(b)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if !reflect.DeepEqual(out, in) {
			t.Fatalf("%s: round trip mismatch\n got=%+v\nwant=%+v", name, out, in)
		}
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	testlog.Start(t)
	good, err := Encode(NewPlaintext("from", "to", []byte("msg")))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(good[:len(good)-1]); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord on truncation, got %v", err)
	}

	var noBody []byte
	noBody = wire.AppendString(noBody, fieldVersion, CurrentVersion)
	noBody = wire.AppendString(noBody, fieldToID, "to")
	noBody = wire.AppendString(noBody, fieldFromID, "from")
	if _, err := Decode(noBody); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord without body, got %v", err)
	}

	var wrongType []byte
	wrongType = wire.AppendVarint(wrongType, fieldVersion, 1)
	if _, err := Decode(wrongType); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord on type mismatch, got %v", err)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	testlog.Start(t)
	rec := NewPlaintext("from", "to", []byte("msg"))
	var b []byte
	b = wire.AppendString(b, fieldVersion, "2.0")
	b = wire.AppendString(b, fieldToID, rec.ToID)
	b = wire.AppendString(b, fieldFromID, rec.FromID)
	b = wire.AppendMessage(b, fieldNoSession, wire.AppendBytes(nil, noSessionPayload, rec.Payload))
	if _, err := Decode(b); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	if err := CheckVersion("1.9"); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("minor above max should be unsupported, got %v", err)
	}
	if err := CheckVersion("1.0"); err != nil {
		t.Fatalf("1.0 should be accepted: %v", err)
	}
	if err := CheckVersion("one"); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("unparseable version should be malformed, got %v", err)
	}
}

func TestEncryptedRecordRequiresMAC(t *testing.T) {
	testlog.Start(t)
	rec := NewPlaintext("from", "to", []byte("msg"))
	rec.PayloadSecurity = TLS12
	if _, err := Encode(rec); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestDecodeSkipsUnknownFieldsAndJoinsPayloads(t *testing.T) {
	testlog.Start(t)
	var session []byte
	session = wire.AppendVarint(session, sessionID, 1)
	session = wire.AppendVarint(session, sessionSequenceID, 5)
	session = wire.AppendBytes(session, sessionPayload, []byte("ab"))
	session = wire.AppendBytes(session, sessionPayload, []byte("cd"))

	var b []byte
	b = wire.AppendString(b, fieldVersion, CurrentVersion)
	b = wire.AppendString(b, fieldToID, "to")
	b = wire.AppendString(b, fieldFromID, "from")
	b = wire.AppendString(b, 99, "future extension")
	b = wire.AppendMessage(b, fieldSession, session)

	rec, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Kind != KindSessionContext || string(rec.Segment.Data) != "abcd" {
		t.Fatalf("unexpected record: kind=%v data=%q", rec.Kind, rec.Segment.Data)
	}
	if rec.Segment.SequenceID != 5 {
		t.Fatalf("unexpected sequence id: %d", rec.Segment.SequenceID)
	}
}
