package pubsub

import (
	"encoding/json"

	"soundboard.app/internal/snowflake"
)

// Outbound dashboard frames. Bare strings travel as JSON string literals.
var (
	FrameIdentified   = []byte(`"Identified"`)
	FrameReidentify   = []byte(`"Reidentify"`)
	FrameDisconnected = []byte(`"Disconnected"`)
	FrameTerminated   = []byte(`"TERMINATED"`)
	frameNull         = []byte(`null`)
)

type ackFrame struct {
	Subscribed snowflake.ID `json:"subscribed"`
}

func ack(topic snowflake.ID) []byte {
	b, _ := json.Marshal(ackFrame{Subscribed: topic})
	return b
}
