package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

func TestDecodeValidatesRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"register", `{"type":"register_device","deviceId":"d1"}`, false},
		{"register without id", `{"type":"register_device"}`, true},
		{"execute", `{"type":"execute_tweak","correlationId":"c1","tweak":{"id":"t","name":"n","commandType":"Script"}}`, false},
		{"execute without correlation", `{"type":"execute_tweak","tweak":{"id":"t"}}`, true},
		{"result without log", `{"type":"report_execution_result","deviceId":"d1"}`, true},
		{"ack", `{"type":"heartbeat_ack"}`, false},
		{"unknown", `{"type":"reboot"}`, true},
		{"garbage", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestExecutionResultCarriesLogAndCorrelation(t *testing.T) {
	env := ExecutionResult("d1", tweak.ApplicationLog{TweakID: "t1", Success: true}, "c1")
	data, err := json.Marshal(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeExecutionResult, got.Type)
	require.Equal(t, "c1", got.CorrelationID)
	require.Equal(t, "t1", got.Log.TweakID)
}

func TestHealthDataEmbedsPayload(t *testing.T) {
	env, err := HealthData("d1", map[string]string{"status": "healthy"})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"healthy"}`, string(env.Health))
}
