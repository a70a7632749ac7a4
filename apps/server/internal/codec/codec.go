package codec

import (
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Format is the wire form of an envelope. Binary is the protobuf encoding
// of a google.protobuf.Struct; JSON is its protojson form.
type Format int

const (
	FormatBinary Format = iota
	FormatJSON
)

func ParseFormat(raw string) Format {
	if strings.EqualFold(strings.TrimSpace(raw), "json") {
		return FormatJSON
	}
	return FormatBinary
}

// EventType names a server-pushed event.
type EventType string

const (
	EventRoundState    EventType = "round_state"
	EventBetAccepted   EventType = "bet_accepted"
	EventBetRejected   EventType = "bet_rejected"
	EventBetCancelled  EventType = "bet_cancelled"
	EventCashout       EventType = "cashout"
	EventCashoutFailed EventType = "cashout_failed"
	EventEmergency     EventType = "emergency_termination"
	EventSeedReveal    EventType = "seed_reveal"
	EventBalance       EventType = "balance"
	EventError         EventType = "error"
)

// Envelope is one server event with its ordering fields.
type Envelope struct {
	Type       EventType
	RoundID    string
	ServerSeq  uint64
	ServerTsMs int64
	Payload    map[string]any
}

// Wrap builds an envelope stamped with now.
func Wrap(typ EventType, roundID string, serverSeq uint64, now time.Time, payload map[string]any) Envelope {
	return Envelope{
		Type:       typ,
		RoundID:    roundID,
		ServerSeq:  serverSeq,
		ServerTsMs: now.UnixMilli(),
		Payload:    payload,
	}
}

func (e Envelope) toStruct() (*structpb.Struct, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return structpb.NewStruct(map[string]any{
		"type":         string(e.Type),
		"round_id":     e.RoundID,
		"server_seq":   e.ServerSeq,
		"server_ts_ms": e.ServerTsMs,
		"payload":      payload,
	})
}

// Encode serializes env in the given format.
func Encode(env Envelope, format Format) ([]byte, error) {
	msg, err := env.toStruct()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return marshal(msg, format)
}

// Decode parses an envelope produced by Encode. Numbers in the payload come
// back as float64.
func Decode(data []byte, format Format) (Envelope, error) {
	msg := &structpb.Struct{}
	if err := unmarshal(data, format, msg); err != nil {
		return Envelope{}, err
	}
	fields := msg.AsMap()
	env := Envelope{
		Type:       EventType(stringField(fields, "type")),
		RoundID:    stringField(fields, "round_id"),
		ServerSeq:  uint64(numberField(fields, "server_seq")),
		ServerTsMs: int64(numberField(fields, "server_ts_ms")),
	}
	if p, ok := fields["payload"].(map[string]any); ok {
		env.Payload = p
	}
	return env, nil
}

func marshal(msg proto.Message, format Format) ([]byte, error) {
	if format == FormatJSON {
		return protojson.Marshal(msg)
	}
	return proto.Marshal(msg)
}

func unmarshal(data []byte, format Format, msg proto.Message) error {
	var err error
	if format == FormatJSON {
		err = protojson.Unmarshal(data, msg)
	} else {
		err = proto.Unmarshal(data, msg)
	}
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func numberField(m map[string]any, key string) float64 {
	v, _ := m[key].(float64)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
