package query

// Kind is one of the four event kinds spec §4.4/§6 define.
type Kind string

const (
	KindLine   Kind = "line"
	KindRecord Kind = "record"
	KindError  Kind = "error"
	KindDone   Kind = "done"
)

// Event is one element of the query output stream. Only the fields
// relevant to Kind are populated; the rest are zero values.
type Event struct {
	Kind Kind `json:"-"`

	Text string `json:"text,omitempty"`

	Columns []string      `json:"columns,omitempty"`
	Row     []interface{} `json:"row,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`

	ElapsedMs int64 `json:"elapsed_ms,omitempty"`
}
