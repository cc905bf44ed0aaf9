// Package annotator obtains per-frame segmentation annotations from an
// external service and persists them in a sidecar log next to the
// recording they describe.
//
// The annotator owns one HTTP session and one WebSocket to the service.
// Frames are queued by AnnotateRecording and drained by a background
// worker; results arrive asynchronously on a reader goroutine and are
// correlated back to frames by (timestamp_ns, frame_number). A service
// outage never fails a caller: sends silently no-op while disconnected
// and a retry loop reconnects in the background.
package annotator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"visionhub/internal/log"
	"visionhub/internal/pb"
	"visionhub/internal/protolog"
)

const (
	statusProbeTimeout  = 3 * time.Second
	sessionOpenTimeout  = 5 * time.Second
	dialTimeout         = 5 * time.Second
	retryInterval       = 5 * time.Second
	disconnectedBackoff = 2 * time.Second
	resultWait          = 300 * time.Second
)

var logger = log.WithComponent("annotator")

// Key correlates frames and annotations. The device id is informational
// and not part of the key.
type Key struct {
	TimestampNs uint64
	FrameNumber uint64
}

func keyOf(id *pb.FrameIdentifier) Key {
	if id == nil {
		return Key{}
	}
	return Key{TimestampNs: id.TimestampNs, FrameNumber: id.FrameNumber}
}

// SidecarPath derives the annotation sidecar path from a recording path
// by replacing the final suffix with ".seg.pb".
func SidecarPath(recordingPath string) string {
	ext := filepath.Ext(recordingPath)
	return strings.TrimSuffix(recordingPath, ext) + ".seg.pb"
}

// Annotator drives the segmentation service for the loaded recording.
type Annotator struct {
	client   *serviceClient
	onResult func(*pb.SegmentationResponse)

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	sessionID   string
	annotations map[Key]*pb.SegmentationResponse
	queue       []*pb.Frame
	sidecarPath string
	sent        int
	received    int
	resultEvent chan struct{}
	resultFired bool
	closed      bool

	workerCancel context.CancelFunc
	workerDone   chan struct{}
	retryCancel  context.CancelFunc
	retryDone    chan struct{}

	writeMu sync.Mutex
}

// New builds an annotator against the service at baseURL. onResult, if
// non-nil, is invoked for every annotation received (used to broadcast
// to viewers); it runs on the reader goroutine.
func New(baseURL string, onResult func(*pb.SegmentationResponse)) *Annotator {
	return &Annotator{
		client:      newServiceClient(baseURL),
		onResult:    onResult,
		annotations: make(map[Key]*pb.SegmentationResponse),
	}
}

// Connect probes the service, opens a session, and starts the result
// reader. On failure the annotator stays usable in a disconnected state
// and a background loop retries every few seconds.
func (a *Annotator) Connect(ctx context.Context) error {
	if err := a.tryConnect(ctx); err != nil {
		logger.Warn().Err(err).Msg("segmentation service not available, retrying in background")
		a.startRetryLoop()
		return err
	}
	return nil
}

func (a *Annotator) tryConnect(ctx context.Context) error {
	if err := a.client.probe(ctx); err != nil {
		return err
	}
	sessionID, err := a.client.openSession(ctx)
	if err != nil {
		return err
	}
	conn, err := a.client.dial(ctx, sessionID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return errors.New("annotator closed")
	}
	a.conn = conn
	a.connected = true
	a.sessionID = sessionID
	a.mu.Unlock()

	logger.Info().Str("session_id", sessionID).Msg("connected to segmentation service")
	go a.readLoop(conn)
	return nil
}

func (a *Annotator) startRetryLoop() {
	a.mu.Lock()
	if a.closed || a.retryCancel != nil {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.retryCancel = cancel
	a.retryDone = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			a.mu.Lock()
			a.retryCancel = nil
			a.retryDone = nil
			a.mu.Unlock()
		}()
		ticker := time.NewTicker(retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := a.tryConnect(ctx); err == nil {
				logger.Info().Msg("reconnected to segmentation service")
				return
			}
		}
	}()
}

// readLoop consumes annotation responses until the stream dies. Errors
// in persisting or notifying never kill the loop; only a dead socket
// does, which flips the annotator back to disconnected and resumes the
// retry loop.
func (a *Annotator) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			if a.conn == conn {
				a.conn = nil
				a.connected = false
			}
			a.mu.Unlock()
			if !closed {
				logger.Warn().Err(err).Msg("segmentation stream closed")
				a.startRetryLoop()
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		resp := new(pb.SegmentationResponse)
		if err := resp.Unmarshal(data); err != nil {
			logger.Warn().Err(err).Msg("corrupt segmentation response")
			continue
		}
		a.handleResult(resp)
	}
}

func (a *Annotator) handleResult(resp *pb.SegmentationResponse) {
	key := keyOf(resp.ID())

	a.mu.Lock()
	a.annotations[key] = resp
	a.received++
	if a.resultEvent != nil && !a.resultFired {
		close(a.resultEvent)
		a.resultFired = true
	}
	sidecar := a.sidecarPath
	received := a.received
	a.mu.Unlock()

	logger.Debug().Uint64("timestamp_ns", key.TimestampNs).
		Uint64("frame_number", key.FrameNumber).
		Int("masks", len(resp.Masks)).Int("received", received).
		Msg("annotation received")

	if sidecar != "" {
		if _, err := protolog.AppendFile(sidecar, []*pb.SegmentationResponse{resp}); err != nil {
			logger.Error().Err(err).Str("path", sidecar).Msg("sidecar write failed, annotation kept in memory")
		}
	}

	if a.onResult != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Msg("annotation callback panicked")
				}
			}()
			a.onResult(resp)
		}()
	}
}

// AnnotateRecording queues every frame that has no annotation yet and
// ensures the worker is running. Frames already queued or already
// annotated are skipped, so repeated calls enqueue each frame at most
// once. Returns the number queued.
func (a *Annotator) AnnotateRecording(frames []*pb.Frame) int {
	a.mu.Lock()
	pending := make(map[Key]struct{}, len(a.queue))
	for _, f := range a.queue {
		pending[keyOf(f.FrameIdentifier)] = struct{}{}
	}
	queued := 0
	for _, f := range frames {
		if f.FrameIdentifier == nil {
			continue
		}
		key := keyOf(f.FrameIdentifier)
		if _, ok := a.annotations[key]; ok {
			continue
		}
		if _, ok := pending[key]; ok {
			continue
		}
		pending[key] = struct{}{}
		a.queue = append(a.queue, f)
		queued++
	}
	a.sent = 0
	a.received = 0
	a.resultEvent = make(chan struct{})
	a.resultFired = false
	startWorker := queued > 0 && a.workerCancel == nil && !a.closed
	var ctx context.Context
	var done chan struct{}
	if startWorker {
		ctx2, cancel := context.WithCancel(context.Background())
		done = make(chan struct{})
		a.workerCancel = cancel
		a.workerDone = done
		ctx = ctx2
	}
	a.mu.Unlock()

	logger.Info().Int("queued", queued).Int("total", len(frames)).Msg("annotation pass queued")
	if startWorker {
		go a.runWorker(ctx, done)
	}
	return queued
}

// runWorker drains the queue (phase 1), then waits for the first result
// (phase 2). Disconnected sends requeue the frame and back off; results
// keep flowing on the reader regardless of worker state.
func (a *Annotator) runWorker(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		a.mu.Lock()
		a.workerCancel = nil
		a.workerDone = nil
		a.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.mu.Unlock()
			break
		}
		frame := a.queue[0]
		a.queue = a.queue[1:]
		key := keyOf(frame.FrameIdentifier)
		if _, ok := a.annotations[key]; ok {
			// Annotated since enqueue.
			a.mu.Unlock()
			continue
		}
		if !a.connected {
			a.queue = append([]*pb.Frame{frame}, a.queue...)
			a.mu.Unlock()
			if !sleepCtx(ctx, disconnectedBackoff) {
				return
			}
			continue
		}
		conn := a.conn
		a.mu.Unlock()

		req := &pb.SegmentationRequest{
			FrameIdentifier: frame.FrameIdentifier,
			ImageFrame:      frame.RgbFrame,
		}
		if err := a.writeBinary(conn, req.Marshal()); err != nil {
			logger.Debug().Err(err).Uint64("frame_number", key.FrameNumber).Msg("send failed")
			continue
		}
		a.mu.Lock()
		a.sent++
		a.mu.Unlock()
	}

	a.mu.Lock()
	event := a.resultEvent
	sent := a.sent
	a.mu.Unlock()
	if sent == 0 || event == nil {
		return
	}

	logger.Info().Int("sent", sent).Msg("queue drained, waiting for results")
	timer := time.NewTimer(resultWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		logger.Warn().Int("sent", sent).Msg("no segmentation result within timeout")
	case <-event:
		a.mu.Lock()
		received := a.received
		a.mu.Unlock()
		logger.Info().Int("sent", sent).Int("received", received).
			Msg("segmentation results arriving")
	}
}

func (a *Annotator) writeBinary(conn *websocket.Conn, data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// LoadAnnotations reads the sidecar of the given recording into the
// annotation map and points future sidecar appends at it. A missing
// sidecar is not an error. Returns the number loaded.
func (a *Annotator) LoadAnnotations(recordingPath string) (int, error) {
	sidecar := SidecarPath(recordingPath)

	a.mu.Lock()
	a.sidecarPath = sidecar
	a.annotations = make(map[Key]*pb.SegmentationResponse)
	a.mu.Unlock()

	if _, err := os.Stat(sidecar); err != nil {
		return 0, nil
	}
	resps, err := protolog.ReadFile[pb.SegmentationResponse](sidecar)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	for _, r := range resps {
		a.annotations[keyOf(r.ID())] = r
	}
	a.mu.Unlock()

	logger.Info().Str("path", sidecar).Int("annotations", len(resps)).Msg("sidecar loaded")
	return len(resps), nil
}

// AllAnnotations returns every known annotation ordered by frame key.
func (a *Annotator) AllAnnotations() []*pb.SegmentationResponse {
	a.mu.Lock()
	out := make([]*pb.SegmentationResponse, 0, len(a.annotations))
	for _, r := range a.annotations {
		out = append(out, r)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		ki, kj := keyOf(out[i].FrameIdentifier), keyOf(out[j].FrameIdentifier)
		if ki.TimestampNs != kj.TimestampNs {
			return ki.TimestampNs < kj.TimestampNs
		}
		return ki.FrameNumber < kj.FrameNumber
	})
	return out
}

// GetAnnotation returns the annotation for a frame key, or nil.
func (a *Annotator) GetAnnotation(timestampNs, frameNumber uint64) *pb.SegmentationResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.annotations[Key{TimestampNs: timestampNs, FrameNumber: frameNumber}]
}

// HasAnnotation reports whether a frame key has an annotation.
func (a *Annotator) HasAnnotation(timestampNs, frameNumber uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.annotations[Key{TimestampNs: timestampNs, FrameNumber: frameNumber}]
	return ok
}

// PendingCount returns the number of frames still queued.
func (a *Annotator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// CompletedCount returns the number of annotations known in memory.
func (a *Annotator) CompletedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.annotations)
}

// Connected reports whether the service stream is up.
func (a *Annotator) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// SendPrompt forwards a segmentation prompt for the active session.
func (a *Annotator) SendPrompt(ctx context.Context, p Prompt) error {
	a.mu.Lock()
	connected := a.connected
	sessionID := a.sessionID
	a.mu.Unlock()
	if !connected || sessionID == "" {
		return errors.New("segmentation service not connected")
	}
	return a.client.sendPrompt(ctx, sessionID, p)
}

// Stop cancels the worker and drops any queued frames without sending.
func (a *Annotator) Stop() {
	a.mu.Lock()
	cancel := a.workerCancel
	done := a.workerDone
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	a.mu.Lock()
	dropped := len(a.queue)
	a.queue = nil
	a.mu.Unlock()
	if dropped > 0 {
		logger.Info().Int("dropped", dropped).Msg("annotation queue drained")
	}
}

// Close stops everything: worker, retry loop, the service stream, and
// the remote session.
func (a *Annotator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.Stop()

	a.mu.Lock()
	retryCancel := a.retryCancel
	retryDone := a.retryDone
	conn := a.conn
	sessionID := a.sessionID
	connected := a.connected
	a.conn = nil
	a.connected = false
	a.mu.Unlock()

	if retryCancel != nil {
		retryCancel()
		<-retryDone
	}
	if conn != nil {
		conn.Close()
	}
	if connected && sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), sessionOpenTimeout)
		defer cancel()
		if err := a.client.closeSession(ctx, sessionID); err != nil {
			logger.Debug().Err(err).Msg("session close failed")
		}
	}
	logger.Info().Msg("annotator closed")
}
