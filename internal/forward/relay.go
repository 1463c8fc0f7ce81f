package forward

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

// MaxBufferedBody is the largest JSON response relayed in one write.
const MaxBufferedBody = 1 << 20

// Relay copies resp to w and closes resp.Body. Status and headers must have
// been written by the caller. Event streams go through redactor with a flush
// after every upstream read; small JSON bodies are copied in one piece;
// everything else is streamed.
func Relay(w http.ResponseWriter, resp *Response, redactor *Redactor) error {
	defer resp.Body.Close()

	switch {
	case isEventStream(resp.Header) && redactor != nil:
		sw := redactor.NewWriter(w)
		if err := streamCopy(w, sw, resp.Body); err != nil {
			return err
		}
		if err := sw.Close(); err != nil {
			return err
		}
		flush(w)
		return nil

	case isJSON(resp.Header) && resp.ContentLength >= 0 && resp.ContentLength <= MaxBufferedBody:
		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBufferedBody+1))
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err

	default:
		return streamCopy(w, w, resp.Body)
	}
}

// streamCopy reads src and writes each chunk to dst, flushing w after
// every write. It stops at the first read or write error.
func streamCopy(w http.ResponseWriter, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32<<10)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			flush(w)
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func flush(w http.ResponseWriter) {
	_ = http.NewResponseController(w).Flush()
}

func mediaType(h http.Header) string {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

func isEventStream(h http.Header) bool {
	return mediaType(h) == "text/event-stream"
}

func isJSON(h http.Header) bool {
	mt := mediaType(h)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
