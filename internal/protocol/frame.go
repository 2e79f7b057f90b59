package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a declared or encoded payload
	// exceeds MaxMessageSize.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrShortFrame is returned when the peer closes before a full frame
	// has been read.
	ErrShortFrame = errors.New("protocol: short frame")
	// ErrMalformed is returned when a payload is not a valid message.
	ErrMalformed = errors.New("protocol: malformed payload")
)

// ReadFrame reads one length-prefixed payload. The length is checked against
// limit before any payload byte is read, so an oversized frame never causes
// an allocation of the declared size.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("%w: declared %d bytes, max %d", ErrFrameTooLarge, n, limit)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: wanted %d payload bytes", ErrShortFrame, n)
			}
			return nil, err
		}
	}
	return payload, nil
}

// WriteFrame writes payload with its length prefix in a single Write call.
func WriteFrame(w io.Writer, payload []byte, limit int) error {
	if len(payload) > limit {
		return fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, len(payload), limit)
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	_, err := w.Write(buf)
	return err
}

// DecodeRequest parses a request payload. A missing tool name is reported as
// ErrMalformed so the server can answer with a descriptive failure.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Tool == "" {
		return Request{}, fmt.Errorf("%w: missing required field \"tool\"", ErrMalformed)
	}
	if req.Args == nil {
		req.Args = []string{}
	}
	return req, nil
}

// ReadRequest reads and decodes one request frame.
func ReadRequest(r io.Reader) (Request, error) {
	payload, err := ReadFrame(r, MaxMessageSize)
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(payload)
}

// WriteRequest encodes and writes one request frame.
func WriteRequest(w io.Writer, req Request) error {
	if req.Args == nil {
		req.Args = []string{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return WriteFrame(w, payload, MaxMessageSize)
}

// ReadResponse reads and decodes one response frame.
func ReadResponse(r io.Reader) (Response, error) {
	payload, err := ReadFrame(r, MaxMessageSize)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return resp, nil
}

// WriteResponse fits resp into MaxMessageSize and writes it as one frame.
func WriteResponse(w io.Writer, resp Response) error {
	payload, err := Fit(resp, MaxMessageSize)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload, MaxMessageSize)
}
