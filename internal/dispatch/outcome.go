package dispatch

// Status is the terminal state of one delivery.
type Status int

const (
	// Delivered means the first attempt succeeded.
	Delivered Status = iota
	// Degraded means the content arrived in a reduced form: a plain-text
	// retry or a text fallback for a picture.
	Degraded
	Failed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Kind names what was sent.
type Kind string

const (
	KindText    Kind = "text"
	KindPicture Kind = "picture"
	KindListing Kind = "listing"
)

// Outcome reports one delivery to one client.
type Outcome[ID comparable] struct {
	ClientID ID
	Kind     Kind
	Status   Status
	Attempts int
	Err      error
}

// OK reports whether anything reached the client.
func (o Outcome[ID]) OK() bool { return o.Status != Failed }

// Event is the payload published on the event bus for every outcome.
type Event struct {
	ClientID string `json:"client_id"`
	Kind     Kind   `json:"kind"`
	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}
