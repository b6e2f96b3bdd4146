// coedit-server runs the broadcast relay. By default it fans messages out to
// the websocket subscribers of each document; with -redis it bridges each
// connection onto a Redis pub/sub topic instead, so multiple relay instances
// can serve the same documents. A Badger or Postgres store, when configured,
// provides join-time snapshots and the /docs endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/asadovsky/coedit/channel"
	"github.com/asadovsky/coedit/common"
	"github.com/asadovsky/coedit/hub"
	"github.com/asadovsky/coedit/store"
)

var (
	addr        = flag.String("addr", ":8080", "listen address")
	badgerPath  = flag.String("badger", "", "badger database path for document snapshots")
	postgresURL = flag.String("postgres", "", "postgres url for document snapshots (or DATABASE_URL)")
	redisAddr   = flag.String("redis", "", "bridge documents over redis pub/sub at this address (or REDIS_ADDR)")
)

func envDefault(val, key string) string {
	if val != "" {
		return val
	}
	return os.Getenv(key)
}

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)
	ctx := context.Background()

	var st store.Store
	var err error
	pg := envDefault(*postgresURL, "DATABASE_URL")
	switch {
	case *badgerPath != "":
		st, err = store.NewBadger(*badgerPath)
	case pg != "":
		st, err = store.NewPostgres(ctx, pg)
	}
	if err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	if st != nil {
		defer st.Close()
	}

	if raddr := envDefault(*redisAddr, "REDIS_ADDR"); raddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: raddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", "addr", raddr, "err", err)
			os.Exit(1)
		}
		logger.Info("relay listening (redis bridge)", "addr", *addr, "redis", raddr)
		if err := http.ListenAndServe(*addr, bridgeHandler(rdb, st, logger)); err != nil {
			logger.Error("serve failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := hub.New(st, logger).Serve(*addr); err != nil {
		logger.Error("serve failed", "err", err)
		os.Exit(1)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// bridgeHandler joins each websocket connection to its document's Redis
// topic: inbound frames are published, and everything published on the topic
// (echoes included) is forwarded back.
func bridgeHandler(rdb *redis.Client, st store.Store, logger *slog.Logger) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{doc}", func(w http.ResponseWriter, req *http.Request) {
		docID := mux.Vars(req)["doc"]
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Warn("upgrade failed", "err", err)
			return
		}
		defer conn.Close()

		if st != nil {
			if rec, err := st.Load(req.Context(), docID); err != nil {
				logger.Warn("snapshot load failed", "doc", docID, "err", err)
			} else if rec != nil {
				snap := common.Snapshot{Type: "snapshot", DocID: docID, Text: rec.Buffer}
				if err := conn.WriteJSON(snap); err != nil {
					return
				}
			}
		}

		ch := channel.NewRedis(rdb, docID)
		defer ch.Close()

		go func() {
			for buf := range ch.Inbox() {
				if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
					return
				}
			}
		}()

		for {
			_, buf, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := ch.Send(json.RawMessage(buf)); err != nil {
				logger.Warn("publish failed", "doc", docID, "err", err)
			}
		}
	})
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}
