// Package bridge serves dashboard viewers over WebSocket.
//
// Server to viewer traffic is binary with a one-byte prefix: 0x01
// carries length-delimited frame records, 0x02 carries length-delimited
// annotation records. Viewer to server traffic is JSON text actions
// (get_stats, seek, get_annotations). On connect a viewer immediately
// receives the latest frame and the full annotation history, then every
// subsequent frame live.
package bridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"visionhub/internal/log"
	"visionhub/internal/pb"
	"visionhub/internal/protolog"
	"visionhub/internal/store"
)

const (
	// PrefixFrames marks a binary message carrying frame records.
	PrefixFrames byte = 0x01
	// PrefixAnnotations marks a binary message carrying annotation records.
	PrefixAnnotations byte = 0x02

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// readWait must outlast a ping round trip; pongs and inbound text
	// both extend it.
	readWait = 2 * pingPeriod
)

// AnnotationSource is the read side of the annotator the bridge needs.
type AnnotationSource interface {
	AllAnnotations() []*pb.SegmentationResponse
	GetAnnotation(timestampNs, frameNumber uint64) *pb.SegmentationResponse
}

// Bridge fans the active session out to any number of viewers.
type Bridge struct {
	store       *store.FrameStore
	annotations AnnotationSource
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	mu    sync.Mutex
	conns map[string]*viewerConn
}

func New(st *store.FrameStore, annotations AnnotationSource) *Bridge {
	return &Bridge{
		store:       st,
		annotations: annotations,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("bridge"),
		conns:  make(map[string]*viewerConn),
	}
}

// viewerConn serializes all writes to one viewer so seek replies stay
// atomic and frames keep their dispatch order.
type viewerConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (v *viewerConn) writeBinary(prefix byte, payload []byte) error {
	msg := make([]byte, 0, len(payload)+1)
	msg = append(msg, prefix)
	msg = append(msg, payload...)
	v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (v *viewerConn) sendBinary(prefix byte, payload []byte) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	return v.writeBinary(prefix, payload)
}

// sendSeekReply holds the write lock across both batches so no live
// frame lands between them.
func (v *viewerConn) sendSeekReply(frames, annotations []byte) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	if err := v.writeBinary(PrefixFrames, frames); err != nil {
		return err
	}
	return v.writeBinary(PrefixAnnotations, annotations)
}

func (v *viewerConn) sendJSON(val any) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteJSON(val)
}

func (v *viewerConn) ping() error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteMessage(websocket.PingMessage, nil)
}

// HandleViewer upgrades a dashboard connection and serves it until it
// drops.
func (b *Bridge) HandleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("viewer upgrade failed")
		return
	}

	v := &viewerConn{id: uuid.NewString(), conn: conn}
	b.mu.Lock()
	b.conns[v.id] = v
	b.mu.Unlock()
	b.logger.Info().Str("viewer", v.id).Msg("viewer connected")

	// Catch-up before live traffic: latest frame so the UI is never
	// blank, then the whole annotation history.
	if latest := b.store.Latest(); latest != nil {
		if err := v.sendBinary(PrefixFrames, protolog.Encode([]*pb.Frame{latest})); err != nil {
			b.drop(v, err)
			return
		}
	}
	if anns := b.annotations.AllAnnotations(); len(anns) > 0 {
		if err := v.sendBinary(PrefixAnnotations, protolog.Encode(anns)); err != nil {
			b.drop(v, err)
			return
		}
	}

	unsub := b.store.Subscribe(func(f *pb.Frame) {
		if err := v.sendBinary(PrefixFrames, protolog.Encode([]*pb.Frame{f})); err != nil {
			b.drop(v, err)
		}
	})
	defer unsub()
	defer b.drop(v, nil)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go b.keepalive(v, stopPing)

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		if typ != websocket.TextMessage {
			continue
		}
		b.handleAction(v, data)
	}
}

func (b *Bridge) keepalive(v *viewerConn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := v.ping(); err != nil {
				return
			}
		}
	}
}

// drop removes a viewer from the set and closes its socket. Safe to
// call more than once per viewer.
func (b *Bridge) drop(v *viewerConn, cause error) {
	b.mu.Lock()
	_, present := b.conns[v.id]
	delete(b.conns, v.id)
	b.mu.Unlock()
	if present {
		ev := b.logger.Info()
		if cause != nil {
			ev = b.logger.Warn().Err(cause)
		}
		ev.Str("viewer", v.id).Msg("viewer disconnected")
	}
	v.conn.Close()
}

type action struct {
	Action string `json:"action"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

type statsMessage struct {
	Type string `json:"type"`
	store.Stats
}

// handleAction dispatches one viewer request. Malformed JSON and
// unknown actions are ignored.
func (b *Bridge) handleAction(v *viewerConn, data []byte) {
	var act action
	if err := json.Unmarshal(data, &act); err != nil {
		return
	}
	switch act.Action {
	case "get_stats":
		if err := v.sendJSON(statsMessage{Type: "stats", Stats: b.store.Stats()}); err != nil {
			b.drop(v, err)
		}
	case "seek":
		b.handleSeek(v, act.Start, act.End)
	case "get_annotations":
		if err := v.sendBinary(PrefixAnnotations, protolog.Encode(b.annotations.AllAnnotations())); err != nil {
			b.drop(v, err)
		}
	}
}

// handleSeek replies with the frames in [start, end) and the
// annotations keyed by any of those frames, as one atomic pair of
// batches.
func (b *Bridge) handleSeek(v *viewerConn, start, end int) {
	frames := b.store.GetRange(start, end)
	var anns []*pb.SegmentationResponse
	for _, f := range frames {
		id := f.ID()
		if a := b.annotations.GetAnnotation(id.TimestampNs, id.FrameNumber); a != nil {
			anns = append(anns, a)
		}
	}
	if err := v.sendSeekReply(protolog.Encode(frames), protolog.Encode(anns)); err != nil {
		b.drop(v, err)
	}
}

// BroadcastAnnotation sends one annotation to every viewer. Viewers
// whose send fails are evicted, never retried.
func (b *Bridge) BroadcastAnnotation(resp *pb.SegmentationResponse) {
	payload := protolog.Encode([]*pb.SegmentationResponse{resp})

	b.mu.Lock()
	conns := make([]*viewerConn, 0, len(b.conns))
	for _, v := range b.conns {
		conns = append(conns, v)
	}
	b.mu.Unlock()

	for _, v := range conns {
		if err := v.sendBinary(PrefixAnnotations, payload); err != nil {
			b.drop(v, err)
		}
	}
}

// ConnectionCount returns the number of connected viewers.
func (b *Bridge) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}
