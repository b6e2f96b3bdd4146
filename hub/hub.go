// Package hub implements the broadcast relay: a websocket fan-out keyed by
// document id. The relay does not transform or sequence operations —
// reconciliation happens at each participant. Every message is echoed to all
// subscribers of the document, the sender included; the echo is what confirms
// a round trip.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/asadovsky/coedit/common"
	"github.com/asadovsky/coedit/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type room struct {
	clients     map[chan []byte]bool
	subscribe   chan chan []byte
	unsubscribe chan chan []byte
	broadcast   chan []byte
	quit        chan struct{}
	refs        int

	logger *slog.Logger
}

func newRoom(logger *slog.Logger) *room {
	return &room{
		clients:     make(map[chan []byte]bool),
		subscribe:   make(chan chan []byte),
		unsubscribe: make(chan chan []byte),
		broadcast:   make(chan []byte, 64),
		quit:        make(chan struct{}),
		logger:      logger,
	}
}

func (r *room) run() {
	for {
		select {
		case c := <-r.subscribe:
			r.clients[c] = true
		case c := <-r.unsubscribe:
			delete(r.clients, c)
		case msg := <-r.broadcast:
			for send := range r.clients {
				select {
				case send <- msg:
				default:
					// Slow consumer; dropping keeps the room live. The
					// at-least-once contract is per healthy subscriber.
					r.logger.Warn("dropping message for slow subscriber")
				}
			}
		case <-r.quit:
			return
		}
	}
}

// Hub relays messages between the participants of each document. With a
// store attached it also serves the latest saved snapshot to joiners.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room
	st     store.Store
	logger *slog.Logger
}

// New creates a Hub. st may be nil; snapshots are then skipped.
func New(st store.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]*room),
		st:     st,
		logger: logger,
	}
}

func (h *Hub) room(docID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[docID]
	if !ok {
		rm = newRoom(h.logger.With("doc", docID))
		h.rooms[docID] = rm
		go rm.run()
	}
	rm.refs++
	return rm
}

func (h *Hub) release(docID string, rm *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm.refs--
	if rm.refs == 0 {
		delete(h.rooms, docID)
		close(rm.quit)
	}
}

// ServeWS upgrades the request and joins the connection to its document's
// room.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	if docID == "" {
		docID = r.URL.Query().Get("doc")
	}
	if docID == "" {
		http.Error(w, "missing doc id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "err", err)
		return
	}
	h.logger.Info("participant joined", "doc", docID, "remote", conn.RemoteAddr())

	rm := h.room(docID)
	defer h.release(docID, rm)

	if h.st != nil {
		if rec, err := h.st.Load(r.Context(), docID); err != nil {
			h.logger.Warn("snapshot load failed", "doc", docID, "err", err)
		} else if rec != nil {
			if err := conn.WriteJSON(common.Snapshot{Type: "snapshot", DocID: docID, Text: rec.Buffer}); err != nil {
				conn.Close()
				return
			}
		}
	}

	send := make(chan []byte, 64)
	eof := make(chan struct{})
	rm.subscribe <- send

	go func() {
		for {
			select {
			case msg := <-send:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-eof:
				return
			}
		}
	}()

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			break
		}
		rm.broadcast <- buf
	}

	close(eof)
	rm.unsubscribe <- send
	conn.Close()
	h.logger.Info("participant left", "doc", docID)
}

func (h *Hub) serveDoc(w http.ResponseWriter, r *http.Request) {
	if h.st == nil {
		http.Error(w, "no store configured", http.StatusNotFound)
		return
	}
	docID := mux.Vars(r)["doc"]
	rec, err := h.st.Load(r.Context(), docID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"doc_id":   docID,
		"text":     rec.Buffer,
		"saved_at": rec.SavedAt,
	})
}

// Handler returns the relay's HTTP routes.
func (h *Hub) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{doc}", h.ServeWS)
	r.HandleFunc("/docs/{doc}", h.serveDoc).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}

// Serve runs the relay on addr.
func (h *Hub) Serve(addr string) error {
	h.logger.Info("relay listening", "addr", addr)
	return http.ListenAndServe(addr, h.Handler())
}
