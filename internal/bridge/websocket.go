package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/szaher/stagehand/internal/telemetry"
)

const (
	sendBuffer   = 256
	recvBuffer   = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// wsOutbox queues encoded messages for the connection's single writer.
type wsOutbox struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Send blocks until the message is queued or the connection is gone.
func (o *wsOutbox) Send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case o.send <- data:
	case <-o.done:
	}
}

func (o *wsOutbox) close() {
	o.once.Do(func() { close(o.done) })
}

// ServeHTTP upgrades the request to a websocket and runs one client
// connection until it disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if telemetry.CorrelationID(ctx) == "" {
		ctx = telemetry.WithCorrelationID(ctx, r.Header.Get("X-Request-ID"))
	}
	logger := telemetry.RequestLogger(b.opts.Logger, ctx, "bridge")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	out := &wsOutbox{send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	conn := b.Connect(out)
	logger.Info("client connected", "remote", r.RemoteAddr, "clients", b.Connections())

	ioCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer out.close()
		writePump(ioCtx, ws, out)
	}()
	go func() {
		defer wg.Done()
		pingLoop(ioCtx, ws)
	}()

	recv := make(chan []byte, recvBuffer)
	go func() {
		defer close(recv)
		for {
			_, data, err := ws.Read(ioCtx)
			if err != nil {
				return
			}
			select {
			case recv <- data:
			case <-ioCtx.Done():
				return
			}
		}
	}()

	// Handling outlives the socket: a start in progress completes and its
	// session then goes through the normal disconnect path.
	handleCtx := context.WithoutCancel(ctx)
	for data := range recv {
		conn.Handle(handleCtx, data)
	}

	conn.Close()
	out.close()
	cancel()
	wg.Wait()
	ws.Close(websocket.StatusNormalClosure, "")
	logger.Info("client disconnected", "clients", b.Connections())
}

func writePump(ctx context.Context, ws *websocket.Conn, out *wsOutbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-out.done:
			return
		case data := <-out.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				ws.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

func pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				ws.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}
