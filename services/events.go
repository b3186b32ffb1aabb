package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventsHandshakeTimeout = 10 * time.Second
	eventsPingInterval     = 30 * time.Second
	eventsWriteTimeout     = 10 * time.Second

	// eventsBuffer is how many round events a slow subscriber may fall behind
	// before it starts missing them.
	eventsBuffer = 16
)

// RoundFeed fans finished rounds out to every websocket subscriber.
// Publishing never blocks on a subscriber.
type RoundFeed struct {
	mu   sync.Mutex
	subs map[chan *RoundResponse]struct{}
	log  *slog.Logger
}

func NewRoundFeed(log *slog.Logger) *RoundFeed {
	if log == nil {
		log = slog.Default()
	}
	return &RoundFeed{subs: make(map[chan *RoundResponse]struct{}), log: log}
}

// Subscribe returns a channel of future rounds and the function that closes it.
func (f *RoundFeed) Subscribe() (<-chan *RoundResponse, func()) {
	ch := make(chan *RoundResponse, eventsBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Publish hands resp to every subscriber with room in its buffer.
func (f *RoundFeed) Publish(resp *RoundResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- resp:
		default:
			f.log.Warn("round event dropped for slow subscriber", "round", resp.Round)
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (f *RoundFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func closeWebsocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventsWriteTimeout))
}
