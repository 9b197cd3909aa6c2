// Package ws implements the streaming plane: one authenticated WebSocket
// per client multiplexing log tails, shell session data and task output.
//
// Protocol messages are JSON envelopes with a discriminating "type" tag
// and a type-specific payload. A connection starts in the awaiting-auth
// state and accepts nothing but an authenticate frame until the token has
// been validated.
package ws

import (
	"encoding/json"

	"scotty/internal/output"
)

// MessageType discriminates protocol envelopes.
type MessageType string

const (
	// Handshake.
	TypeAuthenticate         MessageType = "authenticate"
	TypeAuthenticationOK     MessageType = "authentication_success"
	TypeAuthenticationFailed MessageType = "authentication_failed"

	// Liveness.
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	TypeError MessageType = "error"

	// Log streaming.
	TypeStartLogStream   MessageType = "start_log_stream"
	TypeStopLogStream    MessageType = "stop_log_stream"
	TypeLogsStreamStarted MessageType = "logs_stream_started"
	TypeLogsStreamData   MessageType = "logs_stream_data"
	TypeLogsStreamEnded  MessageType = "logs_stream_ended"

	// Shell sessions. Creation is REST; data flows here.
	TypeShellSessionData  MessageType = "shell_session_data"
	TypeShellSessionEnded MessageType = "shell_session_ended"

	// Task output streaming.
	TypeStartTaskOutputStream   MessageType = "start_task_output_stream"
	TypeStopTaskOutputStream    MessageType = "stop_task_output_stream"
	TypeTaskOutputStreamStarted MessageType = "task_output_stream_started"
	TypeTaskOutputData          MessageType = "task_output_data"
	TypeTaskOutputStreamEnded   MessageType = "task_output_stream_ended"
)

// Envelope is one protocol frame.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload; it panics only on unmarshalable payloads,
// which all protocol structs are not.
func NewEnvelope(t MessageType, payload any) Envelope {
	env := Envelope{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic("ws: unmarshalable payload: " + err.Error())
		}
		env.Payload = data
	}
	return env
}

// Decode unmarshals the payload into v. A missing payload leaves v as-is.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

type Authenticate struct {
	Token string `json:"token"`
}

type AuthenticationOK struct {
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
}

type AuthenticationFailed struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type StartLogStream struct {
	AppName     string `json:"app_name"`
	ServiceName string `json:"service_name"`
	Follow      bool   `json:"follow"`
	Lines       int    `json:"lines"`
	Timestamps  bool   `json:"timestamps"`
}

type StopLogStream struct {
	StreamID string `json:"stream_id"`
}

type LogsStreamStarted struct {
	StreamID    string `json:"stream_id"`
	AppName     string `json:"app_name"`
	ServiceName string `json:"service_name"`
}

type LogsStreamData struct {
	StreamID string        `json:"stream_id"`
	Lines    []output.Line `json:"lines"`
}

type LogsStreamEnded struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason"`
}

// ShellSessionData carries interactive session traffic in both
// directions: input or resize from the client, output from the server.
type ShellSessionData struct {
	SessionID string  `json:"session_id"`
	Input     string  `json:"input,omitempty"`
	Output    string  `json:"output,omitempty"`
	Resize    *Resize `json:"resize,omitempty"`
}

type Resize struct {
	Width  uint `json:"width"`
	Height uint `json:"height"`
}

type ShellSessionEnded struct {
	SessionID string `json:"session_id"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Reason    string `json:"reason"`
}

type StartTaskOutputStream struct {
	TaskID        string `json:"task_id"`
	FromBeginning bool   `json:"from_beginning"`
}

type StopTaskOutputStream struct {
	TaskID string `json:"task_id"`
}

type TaskOutputStreamStarted struct {
	TaskID     string `json:"task_id"`
	TotalLines uint64 `json:"total_lines"`
}

type TaskOutputData struct {
	TaskID       string        `json:"task_id"`
	Lines        []output.Line `json:"lines"`
	IsHistorical bool          `json:"is_historical"`
	HasMore      bool          `json:"has_more"`
}

type TaskOutputStreamEnded struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}
