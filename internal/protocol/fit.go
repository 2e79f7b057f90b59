package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// noteReserve is the room kept for the truncation note appended to stderr.
const noteReserve = 96

const maxFitRounds = 4

// TruncationNote is the line appended to stderr when output had to be cut.
func TruncationNote(dropped int) string {
	return fmt.Sprintf("\ntoolgate: output truncated, %d bytes dropped\n", dropped)
}

// Fit encodes resp so that the payload is at most limit bytes. When the
// encoded response is too large the head of each stream is kept and the
// tail dropped, the larger stream first. The cut never splits a UTF-8
// sequence. A truncated response has Truncated set and a single note on
// stderr counting resp.Dropped plus whatever Fit removed.
func Fit(resp Response, limit int) ([]byte, error) {
	stdout, stderr := resp.Stdout, resp.Stderr
	dropped := resp.Dropped

	payload, err := marshal(annotate(resp, stdout, stderr, dropped))
	if err != nil {
		return nil, err
	}
	for round := 0; len(payload) > limit && round < maxFitRounds; round++ {
		cut := len(payload) - limit + noteReserve
		var n int
		if len(stdout) >= len(stderr) {
			stdout, n = cutTail(stdout, cut)
		} else {
			stderr, n = cutTail(stderr, cut)
		}
		dropped += n

		payload, err = marshal(annotate(resp, stdout, stderr, dropped))
		if err != nil {
			return nil, err
		}
	}
	if len(payload) <= limit {
		return payload, nil
	}

	dropped += len(stdout) + len(stderr)
	payload, err = marshal(annotate(resp, "", "", dropped))
	if err != nil {
		return nil, err
	}
	if len(payload) > limit {
		return nil, fmt.Errorf("%w: response does not fit even without output", ErrFrameTooLarge)
	}
	return payload, nil
}

// annotate returns resp carrying the given streams, with the truncation
// note appended when anything was dropped.
func annotate(resp Response, stdout, stderr string, dropped int) Response {
	resp.Stdout = stdout
	resp.Stderr = stderr
	if dropped > 0 {
		resp.Stderr += TruncationNote(dropped)
		resp.Truncated = true
	}
	return resp
}

// cutTail removes at least n bytes from the end of s, backing up to a rune
// boundary, and reports how many bytes were removed.
func cutTail(s string, n int) (string, int) {
	keep := len(s) - n
	if keep <= 0 {
		return "", len(s)
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep], len(s) - keep
}

func marshal(resp Response) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resp); err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
