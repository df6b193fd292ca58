package record

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxLineBytes bounds a single serialized record. A longer line is treated as
// one corrupt record and skipped; decoding resumes at the next newline.
const maxLineBytes = 4 << 20 // 4 MB

// EncodeLines writes one JSON object per span, newline-delimited. Spans must
// be closed; an open span is a programming error and is rejected.
func EncodeLines(w io.Writer, spans []Span) error {
	bw := bufio.NewWriter(w)
	for i := range spans {
		if !spans[i].Closed() {
			return fmt.Errorf("record: encode open span %q", spans[i].SpanID)
		}
		line, err := json.Marshal(&spans[i])
		if err != nil {
			return fmt.Errorf("record: marshal span %q: %w", spans[i].SpanID, err)
		}
		if _, err := bw.Write(line); err != nil {
			return fmt.Errorf("record: write line: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("record: write newline: %w", err)
		}
	}
	return bw.Flush()
}

// DecodeLines reads newline-delimited spans from r. Malformed lines are
// skipped, not fatal: the queue file is shared across processes and a torn,
// corrupted or over-long line must never poison the records around it.
// Returns the parsed spans and the number of lines that failed to parse.
func DecodeLines(r io.Reader) (spans []Span, malformed int) {
	br := bufio.NewReaderSize(r, 64*1024)
	line := make([]byte, 0, 4096)
	overlong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !overlong {
			line = append(line, chunk...)
			if len(line) > maxLineBytes {
				// Stop accumulating; keep consuming until the line ends so
				// the records after it still decode.
				overlong = true
				line = line[:0]
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		switch {
		case overlong:
			malformed++
		default:
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var s Span
				if jerr := json.Unmarshal(trimmed, &s); jerr != nil || s.SpanID == "" || !s.Closed() {
					malformed++
				} else {
					spans = append(spans, s)
				}
			}
		}
		line = line[:0]
		overlong = false

		if err != nil {
			if !errors.Is(err, io.EOF) {
				// An unreadable tail counts as one bad record; everything
				// decoded before it is still good.
				malformed++
			}
			return spans, malformed
		}
	}
}
