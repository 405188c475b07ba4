package claude

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLineParser_RecordSplitAcrossChunks(t *testing.T) {
	p := NewLineParser()

	records, err := p.Feed([]byte(`{"type":"assis`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records before LF, got %d", len(records))
	}

	records, err = p.Feed([]byte("tant\"}\n{\"type\":\"result\"}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if string(records[0]) != `{"type":"assistant"}` {
		t.Errorf("unexpected first record: %s", records[0])
	}
	if string(records[1]) != `{"type":"result"}` {
		t.Errorf("unexpected second record: %s", records[1])
	}
}

func TestLineParser_SkipsBlankLines(t *testing.T) {
	p := NewLineParser()

	records, err := p.Feed([]byte("\n   \n{\"a\":1}\n\t\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestLineParser_BadLineIsConsumed(t *testing.T) {
	p := NewLineParser()

	records, err := p.Feed([]byte("{\"a\":1}\nnot json\n{\"b\":2}\n"))
	if err == nil {
		t.Fatal("expected a parse error")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if parseErr.Line != 2 {
		t.Errorf("expected error on line 2, got %d", parseErr.Line)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record before the error, got %d", len(records))
	}

	// The bad line was consumed; continuing yields the remaining record.
	records, err = p.Feed(nil)
	if err != nil {
		t.Fatalf("unexpected error after bad line: %v", err)
	}
	if len(records) != 1 || string(records[0]) != `{"b":2}` {
		t.Fatalf("expected remaining record, got %v", records)
	}
}

func TestLineParser_FlushResidualLine(t *testing.T) {
	p := NewLineParser()

	if _, err := p.Feed([]byte(`{"tail":true}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	record, err := p.Flush()
	if err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if string(record) != `{"tail":true}` {
		t.Errorf("unexpected flushed record: %s", record)
	}

	// Flush on an empty buffer is a no-op.
	record, err = p.Flush()
	if err != nil || record != nil {
		t.Errorf("expected empty flush, got %s / %v", record, err)
	}
}

func TestScanLines_MixedValidAndMalformed(t *testing.T) {
	input := "{\"a\":1}\nbroken\n{\"b\":2}\n{\"c\":3}"

	var valid []json.RawMessage
	badLines := 0
	err := ScanLines(strings.NewReader(input), func(record json.RawMessage, perr error) bool {
		if perr != nil {
			badLines++
			return true
		}
		valid = append(valid, record)
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(valid) != 3 {
		t.Errorf("expected 3 valid records, got %d", len(valid))
	}
	if badLines != 1 {
		t.Errorf("expected 1 bad line, got %d", badLines)
	}
	if string(valid[2]) != `{"c":3}` {
		t.Errorf("expected trailing record without LF, got %s", valid[2])
	}
}
