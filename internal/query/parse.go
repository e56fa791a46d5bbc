package query

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/dbsandbox/api/internal/apperr"
	"github.com/dbsandbox/api/internal/dialect"
)

// lineReader is a one-line-lookahead wrapper over bufio.Scanner: it
// lets the parser decide "is the next line also tab-separated" (to
// distinguish a header from a lone single-column line) without ever
// holding more than one line in memory, preserving spec §4.4 step 5's
// "MUST NOT buffer the full result set."
type lineReader struct {
	sc     *bufio.Scanner
	peeked *string
}

func newLineReader(r io.Reader) *lineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineReader{sc: sc}
}

func (lr *lineReader) next() (string, bool) {
	if lr.peeked != nil {
		line := *lr.peeked
		lr.peeked = nil
		return line, true
	}
	if lr.sc.Scan() {
		return lr.sc.Text(), true
	}
	return "", false
}

func (lr *lineReader) peek() (string, bool) {
	if lr.peeked == nil {
		if lr.sc.Scan() {
			line := lr.sc.Text()
			lr.peeked = &line
		} else {
			return "", false
		}
	}
	return *lr.peeked, true
}

// parseStdout streams stdout line-by-line, normalizing the dialect
// CLI's tab-separated output into line/record/error events, grounded
// on original_source/src/db/query.rs::parse_cli_output generalized from
// a post-hoc full-string parser into a genuinely lazy one.
func parseStdout(r io.Reader, dl dialect.Dialect, out chan<- Event) {
	lr := newLineReader(r)

	for {
		line, ok := lr.next()
		if !ok {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if isStatusLine(line) {
			out <- Event{Kind: KindLine, Text: line}
			continue
		}

		if dl.IsErrorLine(line) {
			out <- Event{Kind: KindError, Code: string(apperr.QuerySyntaxError), Message: line}
			continue
		}

		if !strings.Contains(line, "\t") {
			out <- Event{Kind: KindLine, Text: line}
			continue
		}

		next, hasNext := lr.peek()
		if !hasNext || strings.Contains(next, "\t") || strings.TrimSpace(next) == "" {
			header := strings.Split(line, "\t")
			emitRecords(lr, header, out)
			continue
		}

		out <- Event{Kind: KindLine, Text: line}
	}
}

func emitRecords(lr *lineReader, header []string, out chan<- Event) {
	for {
		dataLine, ok := lr.next()
		if !ok {
			return
		}
		trimmed := strings.TrimSpace(dataLine)
		if trimmed == "" {
			return
		}
		if isSeparatorLine(trimmed) {
			continue
		}

		cells := strings.Split(dataLine, "\t")
		row := make([]interface{}, len(cells))
		for i, cell := range cells {
			row[i] = parseValue(strings.TrimSpace(cell))
		}
		out <- Event{Kind: KindRecord, Columns: header, Row: row}
	}
}

func isStatusLine(line string) bool {
	return strings.HasPrefix(line, "Query OK") ||
		strings.HasPrefix(line, "Rows matched") ||
		strings.Contains(line, "row(s) affected") ||
		strings.Contains(line, "rows affected")
}

func isSeparatorLine(line string) bool {
	for _, c := range line {
		if c != '-' && c != '\t' && c != '+' && c != ' ' {
			return false
		}
	}
	return true
}

// parseStderr classifies stderr lines as error or notice events.
func parseStderr(r io.Reader, dl dialect.Dialect, out chan<- Event) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if dl.IsErrorLine(line) {
			out <- Event{Kind: KindError, Code: string(apperr.QuerySyntaxError), Message: line}
		} else {
			out <- Event{Kind: KindLine, Text: line}
		}
	}
}

// parseSizeProbe extracts the trailing numeric value from a size-probe
// exec's output, tolerating either dialect's header-plus-value shape.
func parseSizeProbe(stdout []byte) int64 {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		fields := strings.Fields(lines[i])
		for j := len(fields) - 1; j >= 0; j-- {
			if f, err := strconv.ParseFloat(fields[j], 64); err == nil {
				return int64(f)
			}
		}
	}
	return 0
}

// parseValue coerces a CLI cell's textual representation into a typed
// JSON-ready value, matching original_source/src/db/query.rs::parse_value.
func parseValue(s string) interface{} {
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if strings.EqualFold(s, "true") {
		return true
	}
	if strings.EqualFold(s, "false") {
		return false
	}
	return s
}
