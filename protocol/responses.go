package protocol

import (
	"encoding/base64"
	"strconv"
)

// ResponseType is the first token of a daemon reply.
type ResponseType string

const (
	ResponseOK   ResponseType = "OK"
	ResponseErr  ResponseType = "ERR"
	ResponseJSON ResponseType = "JSON"
	ResponsePong ResponseType = "PONG"
)

// Response is one decoded daemon reply. Message is set for OK and ERR, Code
// only for ERR and Data only for JSON.
type Response struct {
	Type    ResponseType
	Message string
	Code    string
	Data    []byte
}

// ErrorCode classifies an ERR reply.
type ErrorCode string

const (
	ErrInvalidAction  ErrorCode = "invalid_action"
	ErrInvalidCommand ErrorCode = "invalid_command"
	ErrMissingParam   ErrorCode = "missing_param"
	ErrShuttingDown   ErrorCode = "shutting_down"
	ErrInternal       ErrorCode = "internal"
)

// frame joins the non-empty words with spaces and terminates the frame.
func frame(words ...string) []byte {
	buf := make([]byte, 0, 32)
	for _, w := range words {
		if w == "" {
			continue
		}
		if len(buf) > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, w...)
	}
	return append(buf, CommandTerminator...)
}

// FormatOK renders "OK [message];;".
func FormatOK(message string) []byte {
	return frame(string(ResponseOK), message)
}

// FormatErr renders "ERR code message;;".
func FormatErr(code ErrorCode, message string) []byte {
	return frame(string(ResponseErr), string(code), message)
}

// FormatPong renders "PONG;;".
func FormatPong() []byte {
	return frame(string(ResponsePong))
}

// FormatJSON renders data as "JSON -- LEN\nBASE64;;", LEN being the length
// of the encoded payload.
func FormatJSON(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	head := string(ResponseJSON) + " " + DataMarker + " " + strconv.Itoa(len(encoded)) + "\n"
	return frame(head + encoded)
}
