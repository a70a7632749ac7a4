package codec

import (
	"fmt"

	"crash-lite/crash"

	"google.golang.org/protobuf/types/known/structpb"
)

// CommandType names a client request.
type CommandType string

const (
	CommandPlaceBet  CommandType = "place_bet"
	CommandCancelBet CommandType = "cancel_bet"
	CommandCashout   CommandType = "cashout"
	CommandPing      CommandType = "ping"
)

// Command is a decoded client request. The wallet comes from the
// connection, never from the message.
type Command struct {
	Type        CommandType
	RequestID   string
	Track       crash.Track
	Amount      int64
	AutoCashout float64
}

func DecodeCommand(data []byte, format Format) (Command, error) {
	msg := &structpb.Struct{}
	if err := unmarshal(data, format, msg); err != nil {
		return Command{}, err
	}
	fields := msg.AsMap()
	cmd := Command{
		Type:        CommandType(stringField(fields, "type")),
		RequestID:   stringField(fields, "request_id"),
		Amount:      int64(numberField(fields, "amount")),
		AutoCashout: numberField(fields, "auto_cashout"),
	}
	switch cmd.Type {
	case CommandPlaceBet, CommandCancelBet, CommandCashout, CommandPing:
	default:
		return Command{}, fmt.Errorf("unknown command %q", cmd.Type)
	}

	var rawTrack string
	switch v := fields["track"].(type) {
	case string:
		rawTrack = v
	case float64:
		rawTrack = fmt.Sprintf("%d", int(v))
	}
	track, err := crash.ParseTrack(rawTrack)
	if err != nil {
		return Command{}, err
	}
	cmd.Track = track
	return cmd, nil
}

func EncodeCommand(cmd Command, format Format) ([]byte, error) {
	fields := map[string]any{
		"type":  string(cmd.Type),
		"track": cmd.Track.String(),
	}
	if cmd.RequestID != "" {
		fields["request_id"] = cmd.RequestID
	}
	if cmd.Amount != 0 {
		fields["amount"] = cmd.Amount
	}
	if cmd.AutoCashout != 0 {
		fields["auto_cashout"] = cmd.AutoCashout
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return marshal(msg, format)
}
