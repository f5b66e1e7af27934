package join

import "github.com/iTrooz/join-proxy/internal/cache"

// Observer receives coordinator events. Implementations must be safe for
// concurrent use.
type Observer interface {
	On(eventData EventData)
}

// Event represents a coordinator event type.
type Event int

const (
	// EventHit is emitted when a fresh cached value answers a request.
	EventHit Event = iota
	// EventMiss is emitted when a caller becomes leader and fetches.
	EventMiss
	// EventJoin is emitted when a caller joins an in-flight fetch.
	EventJoin
	// EventTimeout is emitted when a follower stops waiting for its leader.
	EventTimeout
	// EventFetchError is emitted when a leader's fetch fails.
	EventFetchError
	// EventStoreError is emitted when the store fails a read or write.
	EventStoreError
)

func (e Event) String() string {
	switch e {
	case EventHit:
		return "hit"
	case EventMiss:
		return "miss"
	case EventJoin:
		return "join"
	case EventTimeout:
		return "timeout"
	case EventFetchError:
		return "fetch_error"
	case EventStoreError:
		return "store_error"
	default:
		return "unknown"
	}
}

// EventData carries the details of an event.
type EventData struct {
	Event Event
	Key   cache.Key
	Err   error
}
