package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCodecEnvelope(t *testing.T) {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		ev   Event
		want string
	}{
		{"content", Content{Text: "hi"}, `{"type":"content","content":"hi"}`},
		{"end", End{}, `{"type":"end"}`},
		{"error", Error{Message: "boom"}, `{"type":"error","error":"boom"}`},
		{
			"tool call",
			ToolCall{Phase: PhaseStart, ID: "t1", Name: "search", Params: `{"q":1}`},
			`{"type":"tool_call","tool_call":"start","tool_call_id":"t1","tool_call_name":"search","tool_call_params":"{\"q\":1}"}`,
		},
		{
			"rate limit",
			RateLimit{ProviderID: "openai", QPSLimit: 1, CurrentQPS: 2, QueueLength: 3, EstimatedWait: 1500 * time.Millisecond},
			`{"type":"rate_limit","rate_limit":{"provider_id":"openai","qps_limit":1,"current_qps":2,"queue_length":3,"estimated_wait_ms":1500}}`,
		},
		{
			"reasoning",
			Reasoning{Text: "hm", StartedAt: &started},
			`{"type":"reasoning_content","reasoning_content":"hm","reasoning_started_at":"2025-03-01T10:00:00Z"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.ev)
			require.NoError(t, err)
			require.JSONEq(t, tc.want, string(data))

			got, err := Unmarshal(data)
			require.NoError(t, err)
			require.Equal(t, tc.ev, got)
		})
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"telepathy"}`))
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = Unmarshal([]byte(`not json`))
	require.Error(t, err)
}

func TestUnmarshalMissingPayload(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"image_data"}`))
	require.Error(t, err)

	ev, err := Unmarshal([]byte(`{"type":"usage"}`))
	require.NoError(t, err)
	require.Equal(t, Usage{}, ev)
}

func TestMarshalNil(t *testing.T) {
	_, err := Marshal(nil)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestPhaseKnown(t *testing.T) {
	for _, p := range []ToolCallPhase{PhaseStart, PhaseRunning, PhaseEnd, PhasePermissionRequired} {
		require.True(t, p.Known(), p)
	}
	require.False(t, ToolCallPhase("paused").Known())
	require.False(t, ToolCallPhase("").Known())
}
