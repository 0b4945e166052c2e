package bittorrent

// AnnounceEvent mirrors the UDP wire encoding of BEP 15 (0=none, 1=completed,
// 2=started, 3=stopped); the HTTP codec maps the string parameter onto the
// same values so the engine only has to understand one enum. EventPaused is
// BEP 21's partial-seed signal; it exists only as an HTTP event string, so
// it extends the enum past the BEP 15 wire codes.
type AnnounceEvent uint8

const (
	EventNone AnnounceEvent = iota
	EventCompleted
	EventStarted
	EventStopped
	EventPaused
)

func (e AnnounceEvent) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventPaused:
		return "paused"
	default:
		return ""
	}
}

// ParseAnnounceEvent maps the HTTP "event" query parameter onto the shared
// enum. An empty string is a regular re-announce (EventNone).
func ParseAnnounceEvent(s string) (AnnounceEvent, bool) {
	switch s {
	case "":
		return EventNone, true
	case "completed":
		return EventCompleted, true
	case "started":
		return EventStarted, true
	case "stopped":
		return EventStopped, true
	case "paused":
		return EventPaused, true
	default:
		return EventNone, false
	}
}
