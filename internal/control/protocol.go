package control

import (
	"encoding/json"
	"fmt"

	"soundboard.app/internal/snowflake"
)

// Op names an executor frame.
type Op string

const (
	OpConnection       Op = "Connection"
	OpPlay             Op = "Play"
	OpStop             Op = "Stop"
	OpSkip             Op = "Skip"
	OpGetQueue         Op = "GetQueue"
	OpPlayResponse     Op = "PlayResponse"
	OpStopResponse     Op = "StopResponse"
	OpSkipResponse     Op = "SkipResponse"
	OpGetQueueResponse Op = "GetQueueResponse"
	OpError            Op = "Error"

	// Ingest frames carried on the same connection.
	OpHydrate       Op = "Hydrate"
	OpState         Op = "State"
	OpGuildsChanged Op = "GuildsChanged"
)

var responseOf = map[Op]Op{
	OpPlay:     OpPlayResponse,
	OpStop:     OpStopResponse,
	OpSkip:     OpSkipResponse,
	OpGetQueue: OpGetQueueResponse,
}

// IsReply reports whether op answers a dispatched command.
func (op Op) IsReply() bool {
	switch op {
	case OpPlayResponse, OpStopResponse, OpSkipResponse, OpGetQueueResponse, OpError:
		return true
	}
	return false
}

func (op Op) known() bool {
	switch op {
	case OpConnection, OpHydrate, OpState, OpGuildsChanged:
		return true
	}
	_, isCommand := responseOf[op]
	return isCommand || op.IsReply()
}

// Control is the addressing part of a command or ingest frame.
type Control struct {
	GroupID   snowflake.ID  `json:"group_id"`
	FileID    *snowflake.ID `json:"file_id,omitempty"`
	ChannelID *snowflake.ID `json:"channel_id,omitempty"`
}

// QueueEntry is one item of a GetQueueResponse.
type QueueEntry struct {
	FileID snowflake.ID `json:"file_id"`
	Name   string       `json:"name,omitempty"`
}

// ClientError is the executor refusing a command, e.g. the bot is not in a
// voice channel. It is returned to the HTTP caller as is.
type ClientError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *ClientError) Error() string {
	if e.Message == "" {
		return "executor rejected command: " + e.Code
	}
	return fmt.Sprintf("executor rejected command: %s: %s", e.Code, e.Message)
}

// Envelope is the wire frame exchanged with executors.
type Envelope struct {
	Op          Op              `json:"op"`
	MessageID   string          `json:"message_id,omitempty"`
	Control     *Control        `json:"control,omitempty"`
	ClientError *ClientError    `json:"client_error,omitempty"`
	Queue       []QueueEntry    `json:"queue,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
}

// ParseEnvelope decodes a frame, rejecting unknown ops and replies without a
// correlation id.
func ParseEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !env.Op.known() {
		return Envelope{}, fmt.Errorf("%w: unknown op %q", ErrMalformed, env.Op)
	}
	if env.Op.IsReply() && env.MessageID == "" {
		return Envelope{}, fmt.Errorf("%w: %s without message_id", ErrMalformed, env.Op)
	}
	if env.Op == OpState && env.Control == nil {
		return Envelope{}, fmt.Errorf("%w: State without control", ErrMalformed)
	}
	return env, nil
}

// Command is a playback request before it gets a correlation id.
type Command struct {
	Op      Op
	Control Control
}

func Play(group, file snowflake.ID, channel *snowflake.ID) Command {
	return Command{Op: OpPlay, Control: Control{GroupID: group, FileID: &file, ChannelID: channel}}
}

func Stop(group snowflake.ID) Command {
	return Command{Op: OpStop, Control: Control{GroupID: group}}
}

func Skip(group snowflake.ID) Command {
	return Command{Op: OpSkip, Control: Control{GroupID: group}}
}

func GetQueue(group snowflake.ID) Command {
	return Command{Op: OpGetQueue, Control: Control{GroupID: group}}
}

func (c Command) validate() error {
	if _, ok := responseOf[c.Op]; !ok {
		return fmt.Errorf("%w: %q is not a command", ErrMalformed, c.Op)
	}
	if c.Control.GroupID.IsZero() {
		return fmt.Errorf("%w: group id is required", ErrMalformed)
	}
	if c.Op == OpPlay && (c.Control.FileID == nil || c.Control.FileID.IsZero()) {
		return fmt.Errorf("%w: play needs a file id", ErrMalformed)
	}
	return nil
}

// checkReply turns an executor reply into the caller's result.
func checkReply(cmd Op, env Envelope) (Envelope, error) {
	if env.Op == OpError {
		if env.ClientError != nil {
			return env, env.ClientError
		}
		return env, &ClientError{Code: "unknown"}
	}
	if env.Op != responseOf[cmd] {
		return env, fmt.Errorf("%w: %s answered with %s", ErrBadReply, cmd, env.Op)
	}
	return env, nil
}

func encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Op, err)
	}
	return b, nil
}
