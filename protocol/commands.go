// Package protocol defines the text-based IPC protocol spoken on the daemon
// socket and on the node launcher's directive channel.
//
// Both directions use the same framing:
//
//	VERB [SUBVERB] [ARGS...] [-- LENGTH\nBASE64DATA];;
package protocol

// Command represents a parsed command.
type Command struct {
	Verb    string   // Primary command verb (NODE, EVENT, START, ...)
	SubVerb string   // Optional sub-verb (STATUS, OFF, ERROR, ...)
	Args    []string // Positional arguments
	Data    []byte   // Optional binary/JSON data payload
}

// Daemon verbs, sent by UI clients.
const (
	VerbNode      = "NODE"
	VerbSubscribe = "SUBSCRIBE"
	VerbPing      = "PING"
	VerbInfo      = "INFO"
	VerbShutdown  = "SHUTDOWN"
)

// NODE sub-verbs.
const (
	SubVerbOff       = "OFF"
	SubVerbServing   = "SERVING"
	SubVerbConsuming = "CONSUMING"
	SubVerbStatus    = "STATUS"
)

// Directive channel verbs. START and STOP travel from the supervisor to the
// launcher; EVENT travels back.
const (
	VerbStart = "START"
	VerbStop  = "STOP"
	VerbEvent = "EVENT"
)

// EVENT sub-verbs.
const (
	SubVerbInfo  = "INFO"
	SubVerbError = "ERROR"
)

// EventPayload is the JSON body of an EVENT command.
type EventPayload struct {
	// Code is a machine-readable classification, e.g. "command_error".
	Code string `json:"code,omitempty"`
	// Text is the human-readable message.
	Text string `json:"text"`
}

// Push is a frame pushed to SUBSCRIBE'd clients as a JSON response.
type Push struct {
	Type     string `json:"type"` // "status" or "notification"
	Status   string `json:"status,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Push types.
const (
	PushStatus       = "status"
	PushNotification = "notification"
)
