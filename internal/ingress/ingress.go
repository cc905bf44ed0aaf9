// Package ingress accepts the device WebSocket and feeds the live
// frame stream into the store.
//
// At most one producer drives the store at a time: accepting a device
// connection stops any running replay and clears the previous session
// before the first live frame lands.
package ingress

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"visionhub/internal/log"
	"visionhub/internal/pb"
	"visionhub/internal/store"
)

const readLimit = 32 << 20 // frames carry raw image and depth payloads

// Handler accepts device stream connections.
type Handler struct {
	store    *store.FrameStore
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func New(st *store.FrameStore) *Handler {
	return &Handler{
		store: st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  65536,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("ingress"),
	}
}

// HandleDevice serves one device connection until it drops. Each binary
// message is one serialized frame; parse failures are logged and
// skipped, never fatal. On disconnect the source returns to none but
// the session buffer stays available for saving.
func (h *Handler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("device upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	h.store.StopReplay()
	h.store.Clear()
	h.store.SetSource(store.SourceLive, "")
	h.logger.Info().Str("remote", r.RemoteAddr).Msg("device connected")

	start := time.Now()
	received := 0
	parseErrors := 0
	defer func() {
		h.store.SetSource(store.SourceNone, "")
		h.logger.Info().Int("frames", received).Int("parse_errors", parseErrors).
			Dur("duration", time.Since(start)).Msg("device disconnected")
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		frame := new(pb.Frame)
		if err := frame.Unmarshal(data); err != nil {
			parseErrors++
			h.logger.Warn().Err(err).Int("bytes", len(data)).Msg("unparseable frame")
			continue
		}
		h.store.Push(frame)
		received++
	}
}
