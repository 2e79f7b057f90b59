// Package protocol implements the toolgate wire format: one length-prefixed
// JSON frame per direction per connection.
//
// A frame is a 4-byte big-endian unsigned payload length followed by exactly
// that many bytes of UTF-8 JSON. Payloads larger than MaxMessageSize are a
// protocol error.
package protocol

// MaxMessageSize is the largest payload accepted or produced on the socket.
const MaxMessageSize = 64 * 1024

// LengthPrefixSize is the size of the frame header in bytes.
const LengthPrefixSize = 4

// Exit codes with dispatch-level meaning. Anything else is the tool's own
// exit status.
const (
	ExitTimeout     = 124
	ExitUnavailable = 127
)

// Request is one tool invocation sent by a client stub.
type Request struct {
	Tool string   `json:"tool"`
	Args []string `json:"args"`
	Cwd  string   `json:"cwd,omitempty"`
}

// Response is the single reply written for a Request.
type Response struct {
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Error     string `json:"error,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	// Dropped counts output bytes already discarded before encoding. It
	// is folded into the truncation note by Fit and never sent.
	Dropped int `json:"-"`
}

// Failure builds a dispatch-level failure response with the reserved
// "unavailable" exit code.
func Failure(msg string) Response {
	return Response{ExitCode: ExitUnavailable, Error: msg}
}
