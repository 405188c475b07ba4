package claude

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ParseError reports a line that failed to decode as JSON.
// Line numbers are 1-based and survive across Feed calls until Reset.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("jsonl: parse error on line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// LineParser is an incremental decoder for newline-delimited JSON.
// It accepts arbitrary chunking: a record may straddle chunk boundaries and
// is only emitted once its terminating LF arrives. Blank and whitespace-only
// lines are skipped. The parser knows nothing about record schemas.
type LineParser struct {
	buf  []byte
	line int
}

// NewLineParser creates an empty parser.
func NewLineParser() *LineParser {
	return &LineParser{}
}

// Feed appends a chunk and returns every complete record it finished.
// On a malformed line the records decoded so far are returned together with
// a *ParseError; the bad line is consumed, so the caller may log and keep
// feeding.
func (p *LineParser) Feed(chunk []byte) ([]json.RawMessage, error) {
	p.buf = append(p.buf, chunk...)

	var records []json.RawMessage
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return records, nil
		}

		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		p.line++

		record, err := decodeLine(line, p.line)
		if err != nil {
			return records, err
		}
		if record != nil {
			records = append(records, record)
		}
	}
}

// Flush decodes whatever is left in the buffer (a final line without LF).
// Returns nil when the residue is empty or pure whitespace.
func (p *LineParser) Flush() (json.RawMessage, error) {
	if len(p.buf) == 0 {
		return nil, nil
	}

	line := p.buf
	p.buf = nil
	p.line++

	return decodeLine(line, p.line)
}

// Reset discards buffered bytes and the line counter.
// Used when the underlying stream restarts.
func (p *LineParser) Reset() {
	p.buf = nil
	p.line = 0
}

// ScanLines reads newline-delimited JSON from r until EOF, invoking fn once
// per line: with the record on success, or with a nil record and a
// *ParseError for malformed lines. fn returns false to stop early. Lines of
// any length are handled.
func ScanLines(r io.Reader, fn func(record json.RawMessage, err error) bool) error {
	parser := NewLineParser()
	buf := make([]byte, 64*1024)

	emit := func(records []json.RawMessage, perr error) bool {
		for _, record := range records {
			if !fn(record, nil) {
				return false
			}
		}
		if perr != nil {
			return fn(nil, perr)
		}
		return true
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for {
				records, perr := parser.Feed(chunk)
				if !emit(records, perr) {
					return nil
				}
				if perr == nil {
					break
				}
				chunk = nil
			}
		}
		if err == io.EOF {
			record, perr := parser.Flush()
			if perr != nil {
				fn(nil, perr)
			} else if record != nil {
				fn(record, nil)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// decodeLine parses a single line into a raw record.
// Returns (nil, nil) for blank lines.
func decodeLine(line []byte, lineNum int) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, nil
	}

	// Make a copy: the input slice may be reused by the caller.
	record := make(json.RawMessage, len(trimmed))
	copy(record, trimmed)

	if !json.Valid(record) {
		return nil, &ParseError{Line: lineNum, Err: fmt.Errorf("invalid JSON")}
	}
	return record, nil
}
