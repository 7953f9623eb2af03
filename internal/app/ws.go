package app

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tapestry/api/internal/livequery"
	"tapestry/api/internal/observability"
)

const (
	liveWriteWait        = 10 * time.Second
	livePongWait         = 60 * time.Second
	livePingPeriod       = (livePongWait * 9) / 10
	liveMaxFrameBytes    = 1 << 16
	liveMaxSubscriptions = 256
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type liveClientFrame struct {
	Op    string          `json:"op"`
	ID    string          `json:"id"`
	Query string          `json:"query"`
	Args  json.RawMessage `json:"args"`
}

type liveServerFrame struct {
	Op    string          `json:"op"`
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// liveSub is one client subscription: a reference into the shared query
// cache plus the pump that forwards updates to this connection.
type liveSub struct {
	id      string
	data    *livequery.LiveData
	release func()
	remove  func()
	dirty   chan struct{}
	done    chan struct{}
}

// handleLive serves the live query websocket. The client subscribes to named
// queries and receives a value frame immediately and again after every
// change; all frame writing goes through one writer goroutine per
// connection.
func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	observability.IncWSConnection()
	defer observability.DecWSConnection()

	outbound := make(chan liveServerFrame, 64)
	writerDone := make(chan struct{})
	go liveWriter(conn, outbound, writerDone)

	conn.SetReadLimit(liveMaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	subs := make(map[string]*liveSub)
	var pumps sync.WaitGroup

	// Teardown order matters: stop the subscriptions, let their pumps
	// finish any pending send, and only then close the channel the writer
	// drains.
	defer func() {
		for _, sub := range subs {
			s.dropSub(sub)
		}
		pumps.Wait()
		close(outbound)
		<-writerDone
		conn.Close()
	}()

	for {
		var frame liveClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("live: read: %v", err)
			}
			return
		}

		switch frame.Op {
		case "subscribe":
			if frame.ID == "" || frame.Query == "" {
				outbound <- liveServerFrame{Op: "error", ID: frame.ID, Error: "subscribe needs an id and a query"}
				continue
			}
			if _, taken := subs[frame.ID]; taken {
				outbound <- liveServerFrame{Op: "error", ID: frame.ID, Error: "subscription id already in use"}
				continue
			}
			if len(subs) >= liveMaxSubscriptions {
				outbound <- liveServerFrame{Op: "error", ID: frame.ID, Error: "too many subscriptions"}
				continue
			}

			args := frame.Args
			if len(args) == 0 {
				args = json.RawMessage("null")
			}
			data, release, err := s.live.Acquire(r.Context(), frame.Query, args)
			if err != nil {
				outbound <- liveServerFrame{Op: "error", ID: frame.ID, Error: err.Error()}
				continue
			}

			sub := &liveSub{
				id:      frame.ID,
				data:    data,
				release: release,
				dirty:   make(chan struct{}, 1),
				done:    make(chan struct{}),
			}
			// Coalesce notifications; the pump reads the latest value
			// itself, so a slow client only ever skips intermediates.
			sub.remove = data.Listen(func(json.RawMessage) {
				select {
				case sub.dirty <- struct{}{}:
				default:
				}
			})
			subs[frame.ID] = sub
			observability.IncLiveSubscription()

			pumps.Add(1)
			go func() {
				defer pumps.Done()
				for {
					select {
					case <-sub.dirty:
						outbound <- liveServerFrame{Op: "value", ID: sub.id, Value: sub.data.Get()}
					case <-sub.done:
						return
					}
				}
			}()

			outbound <- liveServerFrame{Op: "value", ID: sub.id, Value: data.Get()}

		case "unsubscribe":
			sub, ok := subs[frame.ID]
			if !ok {
				continue
			}
			delete(subs, frame.ID)
			s.dropSub(sub)

		default:
			outbound <- liveServerFrame{Op: "error", ID: frame.ID, Error: "unknown op"}
		}
	}
}

func (s *HTTPServer) dropSub(sub *liveSub) {
	sub.remove()
	sub.release()
	close(sub.done)
	observability.DecLiveSubscription()
}

// liveWriter owns all writes on conn. After a write error it keeps draining
// outbound so pumps never block on a dead connection; closing the connection
// is what unblocks the read loop.
func liveWriter(conn *websocket.Conn, outbound <-chan liveServerFrame, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	failed := false
	for {
		select {
		case frame, ok := <-outbound:
			if !ok {
				if !failed {
					_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				failed = true
				conn.Close()
			}
		case <-ticker.C:
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				failed = true
				conn.Close()
			}
		}
	}
}
