package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dbsandbox/api/internal/dialect"
)

func drain(out chan Event) []Event {
	var events []Event
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func TestParseStdout_TabSeparatedOutputEmitsHeaderedRecords(t *testing.T) {
	dl, _ := dialect.Get("mysql")
	input := "id\tname\n1\tone\n2\ttwo\n"
	out := make(chan Event, 16)

	go func() {
		parseStdout(strings.NewReader(input), dl, out)
		close(out)
	}()

	events := drain(out)
	assert.Len(t, events, 2)
	assert.Equal(t, KindRecord, events[0].Kind)
	assert.Equal(t, []string{"id", "name"}, events[0].Columns)
	assert.Equal(t, []interface{}{int64(1), "one"}, events[0].Row)
	assert.Equal(t, []interface{}{int64(2), "two"}, events[1].Row)
}

func TestParseStdout_StatusLineEmitsKindLine(t *testing.T) {
	dl, _ := dialect.Get("mysql")
	input := "Query OK, 1 row affected (0.01 sec)\n"
	out := make(chan Event, 4)

	go func() {
		parseStdout(strings.NewReader(input), dl, out)
		close(out)
	}()

	events := drain(out)
	assert.Len(t, events, 1)
	assert.Equal(t, KindLine, events[0].Kind)
}

func TestParseStdout_ErrorLineEmitsKindError(t *testing.T) {
	dl, _ := dialect.Get("mysql")
	input := "ERROR 1146 (42S02): Table 'x.y' doesn't exist\n"
	out := make(chan Event, 4)

	go func() {
		parseStdout(strings.NewReader(input), dl, out)
		close(out)
	}()

	events := drain(out)
	assert.Len(t, events, 1)
	assert.Equal(t, KindError, events[0].Kind)
}

func TestParseStdout_SingleColumnLoneLineIsKindLineNotRecord(t *testing.T) {
	dl, _ := dialect.Get("mysql")
	input := "just a notice\n"
	out := make(chan Event, 4)

	go func() {
		parseStdout(strings.NewReader(input), dl, out)
		close(out)
	}()

	events := drain(out)
	assert.Len(t, events, 1)
	assert.Equal(t, KindLine, events[0].Kind)
}

func TestParseValue_CoercesNumericBooleanAndNullTokens(t *testing.T) {
	assert.Equal(t, int64(42), parseValue("42"))
	assert.Equal(t, 3.14, parseValue("3.14"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, false, parseValue("FALSE"))
	assert.Nil(t, parseValue("NULL"))
	assert.Equal(t, "hello", parseValue("hello"))
}

func TestParseSizeProbe_ExtractsTrailingNumericToken(t *testing.T) {
	assert.Equal(t, int64(8192), parseSizeProbe([]byte("8192\n")))
	assert.Equal(t, int64(16384), parseSizeProbe([]byte("size\n----\n16384\n\n(1 rows affected)\n")))
	assert.Equal(t, int64(0), parseSizeProbe([]byte("")))
}

func TestIsMutating_ClassifiesReadVsWriteStatements(t *testing.T) {
	assert.False(t, IsMutating("SELECT * FROM t"))
	assert.False(t, IsMutating("  show tables"))
	assert.True(t, IsMutating("INSERT INTO t VALUES (1)"))
	assert.True(t, IsMutating("DELETE FROM t"))
}
