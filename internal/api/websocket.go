package api

import (
	"log"
	"net/http"

	"options-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var streamedEvents = []events.Event{
	events.EventLegOpened,
	events.EventExitsArmed,
	events.EventStopMoved,
	events.EventTrailActivated,
	events.EventLegRealized,
	events.EventEntryFailed,
	events.EventExitDegraded,
	events.EventOCORace,
	events.EventReconcileRepair,
	events.EventSquareOff,
}

// websocket streams every lifecycle event to the connected client.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.Subscribe(256, streamedEvents...)
	defer unsub()

	// Reader goroutine only detects the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-stream:
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}
