package websocket

import (
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionHello           Action = "hello"
	ActionAccept          Action = "accept"
	ActionConfirm         Action = "confirm"
	ActionSignal          Action = "signal"
	ActionSubmitRequest   Action = "submit_request"
	ActionSubmitConfirm   Action = "submit_confirm"
	ActionSubmitCancel    Action = "submit_cancel"
	ActionSubmissionStart Action = "submission_start"
	ActionSubmissionEnd   Action = "submission_end"
	ActionSetSubmitted    Action = "set_submitted"
	ActionCleanup         Action = "cleanup"
	ActionExit            Action = "exit"
	ActionCancel          Action = "cancel"
	ActionSnapshot        Action = "snapshot"
	ActionReply           Action = "reply"
	ActionTrackEnded      Action = "track_ended"
	ActionPing            Action = "ping"
)

// RequestPayload is every client frame. Only the fields relevant to Action are set.
type RequestPayload struct {
	Action Action `json:"action"`
	// ID correlates a request with its ack, or a reply with its command.
	ID string `json:"id,omitempty"`

	Hello     *Hello          `json:"hello,omitempty"`
	Signal    *proctor.Signal `json:"signal,omitempty"`
	Submitted bool            `json:"submitted,omitempty"`
	Reply     *Reply          `json:"reply,omitempty"`
	TrackID   string          `json:"track_id,omitempty"`
}

// Hello is the first frame of a connection. It describes the client platform.
type Hello struct {
	Capabilities proctor.CapabilitySet `json:"capabilities"`
	UserAgent    string                `json:"user_agent" binding:"required,max=512"`
	Screen       string                `json:"screen" binding:"max=32"`
	Timezone     string                `json:"timezone" binding:"max=64"`
	Online       bool                  `json:"online"`
	Fullscreen   bool                  `json:"fullscreen"`
	Battery      bool                  `json:"battery"`
}

// Reply answers a Command.
type Reply struct {
	OK      bool                   `json:"ok"`
	Error   string                 `json:"error,omitempty"`
	Tracks  []TrackInfo            `json:"tracks,omitempty"`
	Battery *proctor.BatteryStatus `json:"battery,omitempty"`
}

// TrackInfo describes one media track held by the client.
type TrackInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Live bool   `json:"live"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState     Event = "state"
	EventViolation Event = "violation"
	EventNotice    Event = "notice"
	EventExit      Event = "exit"
	EventCommand   Event = "command"
	EventVerdict   Event = "verdict"
	EventAck       Event = "ack"
	EventSubmitted Event = "submit_result"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// CommandName is a platform operation the client executes for the server.
type CommandName string

const (
	CommandGetUserMedia      CommandName = "get_user_media"
	CommandRequestFullscreen CommandName = "request_fullscreen"
	CommandExitFullscreen    CommandName = "exit_fullscreen"
	CommandStopTracks        CommandName = "stop_tracks"
	CommandBattery           CommandName = "battery"
)

type Command struct {
	Event       Event                     `json:"event"`
	ID          string                    `json:"id"`
	Name        CommandName               `json:"name"`
	Constraints *proctor.MediaConstraints `json:"constraints,omitempty"`
	TrackIDs    []string                  `json:"track_ids,omitempty"`
}

type StateResponse struct {
	Event Event                 `json:"event"`
	State model.SessionSnapshot `json:"state"`
}

type ViolationResponse struct {
	Event     Event                   `json:"event"`
	Violation model.SecurityViolation `json:"violation"`
}

type NoticeResponse struct {
	Event  Event          `json:"event"`
	Notice proctor.Notice `json:"notice"`
}

type ExitResponse struct {
	Event Event        `json:"event"`
	Exit  proctor.Exit `json:"exit"`
}

type VerdictResponse struct {
	Event   Event           `json:"event"`
	ID      string          `json:"id,omitempty"`
	Verdict proctor.Verdict `json:"verdict"`
}

type AckResponse struct {
	Event  Event  `json:"event"`
	ID     string `json:"id,omitempty"`
	Action Action `json:"action"`
}

type SubmitResponse struct {
	Event     Event  `json:"event"`
	ID        string `json:"id,omitempty"`
	OK        bool   `json:"ok"`
	AttemptID string `json:"attempt_id,omitempty"`
	// Retry is set when a failed user submission can be tried again.
	Retry bool   `json:"retry,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	ID     string            `json:"id,omitempty"`
	Action Action            `json:"action,omitempty"`
	Code   string            `json:"code,omitempty"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event  `json:"event"`
	ID    string `json:"id,omitempty"`
}
