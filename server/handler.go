package server

import (
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/alimasry/go-collab-docs/service"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub, svc *service.Service, log *zap.Logger) http.Handler {
	log = log.Named("http")
	r := mux.NewRouter()

	(&api{svc: svc, log: log}).routes(r)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint. ?doc= joins immediately; otherwise the client
	// sends a join message.
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade error", zap.Error(err))
			return
		}
		client := newClient(hub, conn, userID(r), r.URL.Query().Get("name"))
		go client.WritePump()
		go client.ReadPump()
		if doc := r.URL.Query().Get("doc"); doc != "" {
			hub.Join(client, doc)
		}
	})

	return accessLog(log, r)
}

func accessLog(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", m.Code),
			zap.Int64("bytes", m.Written),
			zap.Duration("duration", m.Duration.Round(time.Microsecond)))
	})
}
