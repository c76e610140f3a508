package bus

import (
	"fmt"
	"time"
)

// EventKind tags a protocol event. The gateway dispatches on it through a
// handler table, one entry per kind.
type EventKind int

const (
	EventWelcome EventKind = iota + 1
	EventNames
	EventJoin
	EventPublicMessage
	EventPrivateMessage
)

func (k EventKind) String() string {
	switch k {
	case EventWelcome:
		return "welcome"
	case EventNames:
		return "names"
	case EventJoin:
		return "join"
	case EventPublicMessage:
		return "public"
	case EventPrivateMessage:
		return "private"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one inbound protocol occurrence. Names is only set for
// EventNames; Text only for the two message kinds.
type Event struct {
	Kind      EventKind
	Channel   string
	Nick      string
	Names     []string
	Text      string
	Timestamp time.Time
}

// OutboundMessage is a direct message waiting for the transport. Done
// receives exactly one value: the send result.
type OutboundMessage struct {
	Target  string
	Content string
	Done    chan error
}

// Notification sources shown on the observation surfaces.
const (
	SourceSystem   = "Système"
	SourceAnalysis = "Analyse"
	SourceBot      = "Bot"
	SourcePublic   = "Public"
	SourcePrivate  = "Privé"
	SourceWarning  = "Warning"
	SourceError    = "Erreur"
)

// Notification is the human-readable trace of a state transition.
type Notification struct {
	Source    string    `json:"source"`
	Handle    string    `json:"handle,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (n Notification) String() string {
	return fmt.Sprintf("[%s] [%s] %s", n.Timestamp.Format("15:04:05"), n.Source, n.Message)
}
