package channel

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// WS is a Channel over a websocket connection to a relay.
type WS struct {
	conn  *websocket.Conn
	inbox chan []byte
	done  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ Channel = (*WS)(nil)

// DialWS connects to a relay endpoint, e.g. "ws://host/ws/doc-id".
func DialWS(ctx context.Context, url string) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	w := &WS{conn: conn, inbox: make(chan []byte, 64), done: make(chan struct{})}
	go w.readLoop()
	return w, nil
}

func (w *WS) readLoop() {
	defer close(w.inbox)
	for {
		_, buf, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		// A consumer that stopped draining must not pin this goroutine (and the
		// connection) past Close.
		select {
		case w.inbox <- buf:
		case <-w.done:
			return
		}
	}
}

func (w *WS) Send(msg interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(msg)
}

func (w *WS) Inbox() <-chan []byte {
	return w.inbox
}

func (w *WS) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = w.conn.Close()
	})
	return err
}
