package conversation

import (
	"sync"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
)

// event is anything the loop goroutine reacts to.
type event interface{}

// Platform and internal events.
type (
	listeningStartedEvent struct{ session speech.SessionID }
	utteranceFinalEvent   struct {
		session speech.SessionID
		text    string
	}
	recognitionErrorEvent struct {
		session speech.SessionID
		code    speech.ErrorCode
	}
	speechCompleteEvent struct{ token uint64 }
	voicesChangedEvent  struct{ voices []models.VoiceProfile }
	replyEvent          struct {
		turn   uint64
		result models.ReplyResult
	}
	restartEvent       struct{ gen uint64 }
	sessionClosedEvent struct{ session speech.SessionID }
)

// commandResult is the synchronous answer to a command.
type commandResult struct {
	err   error
	value float64
}

// Commands carry a buffered reply channel.
type (
	startCommand  struct{ reply chan commandResult }
	stopCommand   struct{ reply chan commandResult }
	submitCommand struct {
		text  string
		reply chan commandResult
	}
	selectVoiceCommand struct {
		id    string
		reply chan commandResult
	}
	setRateCommand struct {
		value float64
		reply chan commandResult
	}
	setPitchCommand struct {
		value float64
		reply chan commandResult
	}
	syncCommand struct{ reply chan commandResult }
)

// eventQueue is an unbounded FIFO. Producers never block, so platform
// callbacks can post from any goroutine.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far.
func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
