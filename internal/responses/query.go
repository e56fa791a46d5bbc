package responses

import (
	"io"

	"github.com/gin-gonic/gin"

	"github.com/dbsandbox/api/internal/query"
)

// JSONQueryResponse is the buffered aggregate rendering of format=json,
// grounded on original_source/src/api/response.rs::JsonQueryResponse:
// a single document for the whole request, collecting every record row
// under the first columns seen, concatenating errors, and carrying line
// messages separately. Statements are not split into separate
// documents, and AggregateJSON never populates AffectedRows.
type JSONQueryResponse struct {
	Columns      []string        `json:"columns,omitempty"`
	Rows         [][]interface{} `json:"rows,omitempty"`
	AffectedRows *int64          `json:"affected_rows,omitempty"`
	Error        string          `json:"error,omitempty"`
	Messages     []string        `json:"messages,omitempty"`
}

// AggregateJSON drains events into a single JSONQueryResponse document,
// the buffering format=json requires (spec §4.4's "requires buffering
// that statement").
func AggregateJSON(events <-chan query.Event) JSONQueryResponse {
	var resp JSONQueryResponse
	var rows [][]interface{}

	for ev := range events {
		switch ev.Kind {
		case query.KindLine:
			resp.Messages = append(resp.Messages, ev.Text)
		case query.KindRecord:
			if resp.Columns == nil {
				resp.Columns = ev.Columns
			}
			rows = append(rows, ev.Row)
		case query.KindError:
			if resp.Error != "" {
				resp.Error += "\n" + ev.Message
			} else {
				resp.Error = ev.Message
			}
		case query.KindDone:
			// Done carries elapsed time, not an affected-row count
			// surfaced by every dialect CLI; left unset unless a
			// future dialect reports one explicitly.
		}
	}

	if len(rows) > 0 {
		resp.Rows = rows
	}
	return resp
}

// eventName maps a Kind to its SSE event-type token (spec §6's literal
// `event: line`/`event: record`/`event: error`/`event: done`).
func eventName(k query.Kind) string {
	return string(k)
}

// WriteText drains events into the CLI's own pretty-printed output,
// the non-SSE format=text passthrough (spec §7's format resolution):
// line text and error messages are concatenated verbatim, one per line,
// in the order they arrive, so the caller sees what a terminal would
// show. Record events are not rendered.
func WriteText(c *gin.Context, events <-chan query.Event) string {
	var out []byte
	for ev := range events {
		switch ev.Kind {
		case query.KindLine:
			out = append(out, ev.Text...)
			out = append(out, '\n')
		case query.KindError:
			out = append(out, ev.Message...)
			out = append(out, '\n')
		}
	}
	return string(out)
}

// WriteSSE drains events onto the response as text/event-stream
// frames, one c.SSEvent per event, honoring client disconnect via
// gin's c.Stream return-false-to-stop convention. Framing stops after
// the first error or done event; any events after that are read and
// discarded until the channel closes.
func WriteSSE(c *gin.Context, events <-chan query.Event) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(eventName(ev.Kind), ev)
		return ev.Kind != query.KindDone && ev.Kind != query.KindError
	})

	// The producer only releases the instance once the channel is closed.
	for range events {
	}
}
