package forward

import (
	"bytes"
	"encoding/json"
	"io"
	"regexp"
	"sort"
	"strings"
)

// DefaultMarker replaces every redacted word.
const DefaultMarker = "[REDACTED]"

// DefaultWords is the built-in denylist.
var DefaultWords = []string{"password", "secret", "token", "key", "api_key", "private"}

// Redactor replaces denylisted words, case-insensitively, with a marker.
type Redactor struct {
	re     *regexp.Regexp
	marker string
}

// NewRedactor compiles words into one pattern. Longer words are tried first
// so "api_key" is replaced whole rather than leaving "api_" behind. A nil
// result redacts nothing.
func NewRedactor(words []string, marker string) *Redactor {
	var parts []string
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			parts = append(parts, regexp.QuoteMeta(w))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	sort.SliceStable(parts, func(i, j int) bool { return len(parts[i]) > len(parts[j]) })
	if marker == "" {
		marker = DefaultMarker
	}
	return &Redactor{
		re:     regexp.MustCompile("(?i)(?:" + strings.Join(parts, "|") + ")"),
		marker: marker,
	}
}

// Redact returns s with every match replaced.
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	return r.re.ReplaceAllLiteralString(s, r.marker)
}

// RedactEvent redacts the content fragments of one event-stream data payload.
// It reports false when the payload is not JSON or nothing changed, in which
// case the caller should emit the original bytes.
func (r *Redactor) RedactEvent(payload []byte) ([]byte, bool) {
	if r == nil {
		return payload, false
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var event map[string]interface{}
	if err := dec.Decode(&event); err != nil {
		return payload, false
	}

	choices, _ := event["choices"].([]interface{})
	changed := false
	for _, c := range choices {
		choice, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		for _, field := range []string{"delta", "message"} {
			m, ok := choice[field].(map[string]interface{})
			if !ok {
				continue
			}
			content, ok := m["content"].(string)
			if !ok {
				continue
			}
			if red := r.Redact(content); red != content {
				m["content"] = red
				changed = true
			}
		}
	}
	if !changed {
		return payload, false
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(event); err != nil {
		return payload, false
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), true
}

// NewWriter wraps w with a line-buffering event-stream filter.
func (r *Redactor) NewWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{r: r, w: w, maxLine: MaxBufferedBody}
}

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// StreamWriter redacts an event stream as it passes through. Only complete
// lines are processed; a partial line is held until its newline arrives or
// Close is called. A partial line longer than maxLine is flushed unchanged
// and the rest of that line passes through unredacted. It is not safe for
// concurrent use.
type StreamWriter struct {
	r       *Redactor
	w       io.Writer
	buf     []byte
	maxLine int
	// passthrough is set while the tail of an oversized line is streaming.
	passthrough bool
}

// Write buffers p and emits every complete line it now holds.
func (s *StreamWriter) Write(p []byte) (int, error) {
	n := len(p)
	if s.passthrough {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			_, err := s.w.Write(p)
			return n, err
		}
		if _, err := s.w.Write(p[:i+1]); err != nil {
			return n, err
		}
		s.passthrough = false
		p = p[i+1:]
	}

	s.buf = append(s.buf, p...)

	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := s.buf[:i+1]
		if _, err := s.w.Write(s.processLine(line)); err != nil {
			return n, err
		}
		s.buf = s.buf[i+1:]
	}

	if s.maxLine > 0 && len(s.buf) > s.maxLine {
		_, err := s.w.Write(s.buf)
		s.buf = nil
		s.passthrough = true
		return n, err
	}

	// Reclaim the consumed prefix once the carry-over is empty.
	if len(s.buf) == 0 {
		s.buf = s.buf[:0:0]
	}
	return n, nil
}

// Close emits any buffered partial line unchanged.
func (s *StreamWriter) Close() error {
	if len(s.buf) == 0 {
		return nil
	}
	_, err := s.w.Write(s.buf)
	s.buf = nil
	return err
}

// processLine takes a line including its terminator.
func (s *StreamWriter) processLine(line []byte) []byte {
	body := bytes.TrimRight(line, "\r\n")
	eol := line[len(body):]

	if !bytes.HasPrefix(body, dataPrefix) {
		return line
	}
	payload := body[len(dataPrefix):]
	sep := []byte{}
	if len(payload) > 0 && payload[0] == ' ' {
		sep = payload[:1]
		payload = payload[1:]
	}
	if bytes.Equal(bytes.TrimSpace(payload), doneMarker) {
		return line
	}

	red, ok := s.r.RedactEvent(payload)
	if !ok {
		return line
	}

	out := make([]byte, 0, len(dataPrefix)+len(sep)+len(red)+len(eol))
	out = append(out, dataPrefix...)
	out = append(out, sep...)
	out = append(out, red...)
	out = append(out, eol...)
	return out
}
