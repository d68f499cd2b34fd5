// Package redact provides helpers for stripping sensitive values from byte
// streams and log output before they leave the process boundary.
//
// # Threat model
//
// Secret values (stored credentials, auth tokens) must never appear in:
//   - Child process output returned to a caller
//   - Log lines emitted by the broker
//   - Audit notifications posted to a channel
//
// Redaction is best-effort: it operates on literal byte sequences and relies
// on callers to pass the right set of sensitive terms.  It is NOT a substitute
// for keeping secrets out of output in the first place.
package redact

import (
	"bytes"
	"io"
	"strings"
)

// Placeholder is the literal substituted for every matched secret.
const Placeholder = "[REDACTED]"

var placeholderBytes = []byte(Placeholder)

// Writer is a streaming transform that replaces every occurrence of any
// configured secret in the written byte stream with Placeholder, even when a
// secret straddles two Write calls.
//
// Matching prefers the longest secret at a given position; between equally
// long candidates the earlier start wins (guaranteed by left-to-right
// scanning).  Writes are buffered: at most maxSecretLen-1 trailing bytes are
// withheld until the next Write or Close, so callers MUST Close the Writer to
// flush the tail.
//
// A Writer is not safe for concurrent use; use one per stream.
type Writer struct {
	dst     io.Writer
	secrets [][]byte
	hold    int // bytes withheld at the tail, maxSecretLen-1
	pending []byte
	closed  bool
}

// NewWriter creates a Writer that forwards redacted output to dst.  Empty
// strings in secrets are silently dropped.  With no usable secrets the Writer
// is a pass-through with no buffering.
func NewWriter(dst io.Writer, secrets []string) *Writer {
	w := &Writer{dst: dst}
	maxLen := 0
	for _, s := range secrets {
		if s == "" {
			continue
		}
		w.secrets = append(w.secrets, []byte(s))
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	if maxLen > 0 {
		w.hold = maxLen - 1
	}
	return w
}

// Write implements io.Writer.  It always reports len(p) consumed; forwarding
// errors from dst are returned as-is.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if len(w.secrets) == 0 {
		if err := writeAll(w.dst, p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	if err := w.flush(len(w.pending) - w.hold); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close replaces and emits the withheld tail.  Closing twice is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flush(len(w.pending))
}

// flush emits the pending buffer up to limit, applying replacements for
// matches that start within the emitted region.  A match starting before
// limit but extending past it is emitted in full and the boundary advances
// accordingly.
func (w *Writer) flush(limit int) error {
	if limit <= 0 {
		return nil
	}
	var out bytes.Buffer
	i := 0
	for i < limit {
		if n := w.matchAt(i); n > 0 {
			out.Write(placeholderBytes)
			i += n
			continue
		}
		out.WriteByte(w.pending[i])
		i++
	}
	w.pending = w.pending[i:]
	return writeAll(w.dst, out.Bytes())
}

// matchAt returns the length of the longest secret starting at offset i of
// the pending buffer, or 0 when no secret matches there.
func (w *Writer) matchAt(i int) int {
	longest := 0
	rest := w.pending[i:]
	for _, s := range w.secrets {
		if len(s) > longest && bytes.HasPrefix(rest, s) {
			longest = len(s)
		}
	}
	return longest
}

func writeAll(dst io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := dst.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// String replaces every occurrence of each sensitive value in s with
// Placeholder, using the same longest-match semantics as Writer.
//
// Example:
//
//	safe := redact.String(logLine, apiKey, webhookToken)
func String(s string, sensitiveValues ...string) string {
	var sb strings.Builder
	w := NewWriter(&sb, sensitiveValues)
	_, _ = w.Write([]byte(s))
	_ = w.Close()
	return sb.String()
}
