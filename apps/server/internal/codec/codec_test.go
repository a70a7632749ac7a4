package codec

import (
	"testing"
	"time"

	"crash-lite/crash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_BinaryAndJSON(t *testing.T) {
	now := time.UnixMilli(1_760_000_000_000)
	env := Wrap(EventEmergency, "round-9", 42, now, EmergencyPayload(crash.Trigger{
		Reason:     crash.TriggerEmergency,
		Multiplier: 11,
		Threshold:  1000,
		Exposure:   crash.Exposure{Potential: 1000},
	}))

	for _, format := range []Format{FormatBinary, FormatJSON} {
		data, err := Encode(env, format)
		require.NoError(t, err)
		got, err := Decode(data, format)
		require.NoError(t, err)

		assert.Equal(t, EventEmergency, got.Type)
		assert.Equal(t, "round-9", got.RoundID)
		assert.Equal(t, uint64(42), got.ServerSeq)
		assert.Equal(t, now.UnixMilli(), got.ServerTsMs)
		assert.Equal(t, "emergency_threshold", got.Payload["reason"])
		assert.Equal(t, 11.0, got.Payload["multiplier"])
		assert.Equal(t, 1000.0, got.Payload["potential_exposure"])
	}
}

func TestRoundStatePayload_HidesCrashPointUntilEnded(t *testing.T) {
	snap := crash.SessionSnapshot{
		Round:      crash.Round{Seq: 3, CommitmentHash: "abc", CrashPoint: 2.5},
		State:      crash.StateActive,
		Multiplier: 1.42,
		Elapsed:    1500 * time.Millisecond,
	}
	p := RoundStatePayload(snap)
	assert.NotContains(t, p, "crash_point")
	assert.Equal(t, "ACTIVE", p["state"])
	assert.Equal(t, int64(1500), p["elapsed_ms"])

	snap.State = crash.StateEnded
	snap.Round.OverrideReason = crash.OverridePolicy
	p = RoundStatePayload(snap)
	assert.Equal(t, 2.5, p["crash_point"])
	assert.Equal(t, "policy", p["override_reason"])
}

func TestCommand_Decode(t *testing.T) {
	data, err := EncodeCommand(Command{
		Type:        CommandPlaceBet,
		RequestID:   "r1",
		Track:       crash.TrackSecondary,
		Amount:      250,
		AutoCashout: 2.5,
	}, FormatJSON)
	require.NoError(t, err)

	cmd, err := DecodeCommand(data, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, CommandPlaceBet, cmd.Type)
	assert.Equal(t, crash.TrackSecondary, cmd.Track)
	assert.Equal(t, int64(250), cmd.Amount)
	assert.Equal(t, 2.5, cmd.AutoCashout)

	cmd, err = DecodeCommand([]byte(`{"type":"cashout","track":2}`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, crash.TrackSecondary, cmd.Track)

	cmd, err = DecodeCommand([]byte(`{"type":"cashout"}`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, crash.TrackPrimary, cmd.Track)

	_, err = DecodeCommand([]byte(`{"type":"steal"}`), FormatJSON)
	assert.Error(t, err)
	_, err = DecodeCommand([]byte(`{"type":"cashout","track":"third"}`), FormatJSON)
	assert.ErrorIs(t, err, crash.ErrInvalidTrack)
}
