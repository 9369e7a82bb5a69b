// Package protocol defines the JSON messages exchanged between the agent and
// the hub over the remote channel.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

// ChannelPath is the hub endpoint the agent dials.
const ChannelPath = "/api/agent/ws"

// MessageType names a message on the remote channel.
type MessageType string

const (
	// agent -> hub
	TypeRegisterDevice  MessageType = "register_device"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeExecutionResult MessageType = "report_execution_result"
	TypeHealthData      MessageType = "health_data"

	// hub -> agent
	TypeRegistered   MessageType = "registered"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeExecuteTweak MessageType = "execute_tweak"
	TypeError        MessageType = "error"
)

// Envelope carries every channel message. Only the fields relevant to Type
// are set.
type Envelope struct {
	Type          MessageType           `json:"type"`
	DeviceID      string                `json:"deviceId,omitempty"`
	CorrelationID string                `json:"correlationId,omitempty"`
	Tweak         *tweak.Definition     `json:"tweak,omitempty"`
	Log           *tweak.ApplicationLog `json:"log,omitempty"`
	Health        json.RawMessage       `json:"health,omitempty"`
	Error         string                `json:"error,omitempty"`
}

func RegisterDevice(deviceID string) Envelope {
	return Envelope{Type: TypeRegisterDevice, DeviceID: deviceID}
}

func Heartbeat(deviceID string) Envelope {
	return Envelope{Type: TypeHeartbeat, DeviceID: deviceID}
}

func ExecutionResult(deviceID string, l tweak.ApplicationLog, correlationID string) Envelope {
	return Envelope{Type: TypeExecutionResult, DeviceID: deviceID, CorrelationID: correlationID, Log: &l}
}

func ExecuteTweak(def tweak.Definition, correlationID string) Envelope {
	return Envelope{Type: TypeExecuteTweak, CorrelationID: correlationID, Tweak: &def}
}

// HealthData wraps an arbitrary JSON-encodable payload.
func HealthData(deviceID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal health payload: %w", err)
	}
	return Envelope{Type: TypeHealthData, DeviceID: deviceID, Health: raw}, nil
}

// Validate checks that the fields Type requires are present.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeRegisterDevice, TypeHeartbeat:
		if e.DeviceID == "" {
			return fmt.Errorf("%s requires deviceId", e.Type)
		}
	case TypeExecutionResult:
		if e.Log == nil {
			return fmt.Errorf("%s requires log", e.Type)
		}
	case TypeHealthData:
		if len(e.Health) == 0 {
			return fmt.Errorf("%s requires health", e.Type)
		}
	case TypeExecuteTweak:
		if e.Tweak == nil || e.CorrelationID == "" {
			return fmt.Errorf("%s requires tweak and correlationId", e.Type)
		}
	case TypeRegistered, TypeHeartbeatAck, TypeError:
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}

// Decode parses and validates one message.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode message: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
