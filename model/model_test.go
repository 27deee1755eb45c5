package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotHasNoNilSlices(t *testing.T) {
	snap := SyncResult{}.Snapshot()

	b, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"participants":[],"signalsForMe":[],"messages":[]}`, string(b))
}

func TestParticipantFlattensStatus(t *testing.T) {
	var p Participant
	require.NoError(t, json.Unmarshal(
		[]byte(`{"id":"u1","nickname":"alice","isMicOn":true,"isCamOn":false}`), &p))

	assert.Equal(t, "u1", p.ID)
	assert.Equal(t, "alice", p.Nickname)
	assert.True(t, p.IsMicOn)
	assert.False(t, p.IsCamOn)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"nickname":"alice"`)
	assert.NotContains(t, string(b), `"Status"`)
}

func TestEnvelopePayloadIsOpaque(t *testing.T) {
	raw := `{"from":"u2","to":"u1","type":"candidate","data":{"candidate":"a=1","weird":[1,null,"x"]}}`
	var env SignalEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	// payload survives a round trip byte-for-byte in meaning
	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(b))
}
