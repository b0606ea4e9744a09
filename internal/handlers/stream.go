package handlers

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/toolgate/backend/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var streamLogger = log.New(log.Writer(), "[STREAM] ", log.LstdFlags)

// HandleEventStream upgrades to a websocket and forwards every gateway event
// as JSON. An optional ?topic= query narrows the subscription. Delivery rides
// the bus's async path, so a stalled socket drops events instead of stalling
// the pipeline.
func HandleEventStream(bus *events.Emitter) http.HandlerFunc {
	allTopics := []string{
		events.TopicToolReserved,
		events.TopicToolSettled,
		events.TopicToolFailed,
		events.TopicReservationExpired,
		events.TopicRateDenied,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			streamLogger.Printf("upgrade failed: %v", err)
			return
		}

		topics := allTopics
		if t := r.URL.Query().Get("topic"); t != "" {
			topics = []string{t}
		}

		var once sync.Once
		closed := make(chan struct{})
		markClosed := func() { once.Do(func() { close(closed) }) }

		// Writes happen on the bus drain goroutine only; the read loop below
		// exists to observe the peer closing.
		subID := bus.SubscribeAsync(func(ev *events.Event) {
			select {
			case <-closed:
				return
			default:
			}
			if err := conn.WriteJSON(ev); err != nil {
				markClosed()
			}
		}, topics...)

		go func() {
			defer func() {
				bus.Unsubscribe(subID)
				conn.Close()
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					markClosed()
					return
				}
			}
		}()
	}
}
