// Package store holds the in-memory buffer of the active capture
// session: every frame since the last clear, a subscriber registry for
// live fan-out, random access for seeking, and timed replay of loaded
// recordings.
package store

import (
	"context"
	"sync"
	"time"

	"visionhub/internal/log"
	"visionhub/internal/pb"
	"visionhub/internal/protolog"
)

// Source identifies what is currently driving the store.
type Source string

const (
	SourceNone Source = "none"
	SourceLive Source = "live"
	SourceFile Source = "file"
)

// maxReplayDelay caps inter-frame sleep during replay so pauses in the
// source recording do not stall playback.
const maxReplayDelay = 500 * time.Millisecond

// defaultRecordingFPS is reported when a recording is too short to
// compute a native frame rate.
const defaultRecordingFPS = 30.0

var logger = log.WithComponent("store")

// IntrinsicsSummary is the stats view of the cached camera intrinsics.
type IntrinsicsSummary struct {
	Fx          float32 `json:"fx"`
	Fy          float32 `json:"fy"`
	Cx          float32 `json:"cx"`
	Cy          float32 `json:"cy"`
	ImageWidth  uint32  `json:"image_width"`
	ImageHeight uint32  `json:"image_height"`
}

// Stats is a point-in-time snapshot of the session.
type Stats struct {
	Source         string             `json:"source"`
	DeviceID       string             `json:"device_id"`
	FrameCount     uint64             `json:"frame_count"`
	BufferedFrames int                `json:"buffered_frames"`
	FPS            float64            `json:"fps"`
	RecordingFPS   float64            `json:"recording_fps"`
	IsReplaying    bool               `json:"is_replaying"`
	Intrinsics     *IntrinsicsSummary `json:"intrinsics,omitempty"`
}

// subscriber owns an unbounded FIFO mailbox drained by its own
// goroutine, so pushes never block and each subscriber sees frames in
// push order.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*pb.Frame
	closed bool
	fn     func(*pb.Frame)
}

func newSubscriber(fn func(*pb.Frame)) *subscriber {
	s := &subscriber{fn: fn}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) enqueue(f *pb.Frame) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, f)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.invoke(f)
	}
}

func (s *subscriber) invoke(f *pb.Frame) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("subscriber callback panicked")
		}
	}()
	s.fn(f)
}

// FrameStore is the authoritative buffer of the active session. Frames
// must not be mutated after Push; subscribers receive shared pointers.
type FrameStore struct {
	mu          sync.RWMutex
	frames      []*pb.Frame
	source      Source
	deviceID    string
	intrinsics  *pb.CameraIntrinsics
	startedAt   time.Time
	pushCount   uint64
	subscribers map[uint64]*subscriber
	nextSubID   uint64

	replaying    bool
	replayCancel context.CancelFunc
	replayDone   chan struct{}
}

func NewFrameStore() *FrameStore {
	return &FrameStore{
		source:      SourceNone,
		subscribers: make(map[uint64]*subscriber),
	}
}

// SetSource tags the current session. deviceID may be empty to keep the
// latched value.
func (s *FrameStore) SetSource(src Source, deviceID string) {
	s.mu.Lock()
	s.source = src
	if deviceID != "" {
		s.deviceID = deviceID
	}
	s.mu.Unlock()
	logger.Info().Str("source", string(src)).Msg("source changed")
}

// Source returns the current session source.
func (s *FrameStore) Source() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// Push appends a frame to the session buffer and dispatches it to every
// subscriber. It never blocks and never fails.
func (s *FrameStore) Push(frame *pb.Frame) {
	s.mu.Lock()
	if len(s.frames) == 0 {
		s.startedAt = time.Now()
		if id := frame.FrameIdentifier; id != nil && id.DeviceID != "" {
			s.deviceID = id.DeviceID
		}
	}
	if s.intrinsics == nil && frame.CameraIntrinsics != nil {
		s.intrinsics = frame.CameraIntrinsics
	}
	s.frames = append(s.frames, frame)
	s.pushCount++
	subs := s.snapshotSubscribersLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(frame)
	}
}

// dispatch fans a frame out to subscribers without buffering it, used
// by replay where the frames are already in the buffer.
func (s *FrameStore) dispatch(frame *pb.Frame) {
	s.mu.RLock()
	subs := s.snapshotSubscribersLocked()
	s.mu.RUnlock()
	for _, sub := range subs {
		sub.enqueue(frame)
	}
}

func (s *FrameStore) snapshotSubscribersLocked() []*subscriber {
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// Clear resets the session. Subscribers are preserved.
func (s *FrameStore) Clear() {
	s.mu.Lock()
	s.frames = nil
	s.pushCount = 0
	s.intrinsics = nil
	s.deviceID = ""
	s.source = SourceNone
	s.startedAt = time.Time{}
	s.mu.Unlock()
	logger.Info().Msg("session cleared")
}

// Latest returns the most recent frame, or nil when the buffer is empty.
func (s *FrameStore) Latest() *pb.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// GetFrame returns frame i, or nil when out of range.
func (s *FrameStore) GetFrame(i int) *pb.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.frames) {
		return nil
	}
	return s.frames[i]
}

// GetRange returns frames in the half-open range [start, end), clamped
// to the buffer.
func (s *FrameStore) GetRange(start, end int) []*pb.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if start < 0 {
		start = 0
	}
	if end > len(s.frames) {
		end = len(s.frames)
	}
	if start >= end {
		return nil
	}
	out := make([]*pb.Frame, end-start)
	copy(out, s.frames[start:end])
	return out
}

// AllFrames returns a snapshot of the whole buffer.
func (s *FrameStore) AllFrames() []*pb.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pb.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// FrameCount returns the number of buffered frames.
func (s *FrameStore) FrameCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

// Subscribe registers a callback invoked for every subsequently pushed
// or replayed frame. Callbacks run on a dedicated goroutine per
// subscriber, in push order. The returned unsubscribe is idempotent and
// safe to call after Clear.
func (s *FrameStore) Subscribe(fn func(*pb.Frame)) func() {
	sub := newSubscriber(fn)
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = sub
	s.mu.Unlock()
	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
			sub.close()
		})
	}
}

// LoadRecording clears the session and reads a recording into the
// buffer with source=file. Returns the frame count.
func (s *FrameStore) LoadRecording(path string) (int, error) {
	frames, err := protolog.ReadFile[pb.Frame](path)
	if err != nil {
		return 0, err
	}

	s.Clear()
	s.mu.Lock()
	s.frames = frames
	s.pushCount = uint64(len(frames))
	s.source = SourceFile
	s.startedAt = time.Now()
	for _, f := range frames {
		if s.deviceID == "" {
			if id := f.FrameIdentifier; id != nil && id.DeviceID != "" {
				s.deviceID = id.DeviceID
			}
		}
		if s.intrinsics == nil && f.CameraIntrinsics != nil {
			s.intrinsics = f.CameraIntrinsics
		}
		if s.deviceID != "" && s.intrinsics != nil {
			break
		}
	}
	s.mu.Unlock()

	logger.Info().Str("path", path).Int("frames", len(frames)).Msg("recording loaded")
	return len(frames), nil
}

// Save appends every buffered frame to the file at path.
func (s *FrameStore) Save(path string) (int, error) {
	frames := s.AllFrames()
	n, err := protolog.AppendFile(path, frames)
	if err != nil {
		return 0, err
	}
	logger.Info().Str("path", path).Int("frames", n).Msg("session saved")
	return n, nil
}

// StartReplay walks the buffered frames in a background goroutine,
// sleeping between frames by the original timestamp delta divided by
// speed, capped at 500 ms. On natural completion the source flips from
// file to none. A no-op on an empty buffer.
func (s *FrameStore) StartReplay(speed float64, loop bool) {
	if speed <= 0 {
		speed = 1
	}

	s.mu.Lock()
	if s.replaying || len(s.frames) == 0 {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.replaying = true
	s.replayCancel = cancel
	s.replayDone = done
	s.mu.Unlock()

	logger.Info().Float64("speed", speed).Bool("loop", loop).Msg("replay started")
	go s.replayLoop(ctx, done, speed, loop)
}

func (s *FrameStore) replayLoop(ctx context.Context, done chan struct{}, speed float64, loop bool) {
	defer close(done)

	natural := false
	defer func() {
		s.mu.Lock()
		s.replaying = false
		s.replayCancel = nil
		s.replayDone = nil
		if natural && s.source == SourceFile {
			s.source = SourceNone
		}
		s.mu.Unlock()
	}()

	for {
		frames := s.AllFrames()
		for i, f := range frames {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.dispatch(f)
			if i+1 < len(frames) {
				if !sleepCtx(ctx, replayDelay(frames[i], frames[i+1], speed)) {
					return
				}
			}
		}
		if !loop {
			break
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	natural = true
	logger.Info().Msg("replay finished")
}

func replayDelay(cur, next *pb.Frame, speed float64) time.Duration {
	curTS := cur.ID().TimestampNs
	nextTS := next.ID().TimestampNs
	if nextTS <= curTS {
		return 0
	}
	d := time.Duration(float64(nextTS-curTS) / speed)
	if d > maxReplayDelay {
		d = maxReplayDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// StopReplay cancels a running replay and waits for its goroutine to
// exit. Safe to call when no replay is running.
func (s *FrameStore) StopReplay() {
	s.mu.Lock()
	cancel := s.replayCancel
	done := s.replayDone
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.Info().Msg("replay stopped")
}

// IsReplaying reports whether a replay goroutine is active.
func (s *FrameStore) IsReplaying() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replaying
}

// Stats returns a snapshot of session counters and rates.
func (s *FrameStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Source:         string(s.source),
		DeviceID:       s.deviceID,
		FrameCount:     s.pushCount,
		BufferedFrames: len(s.frames),
		RecordingFPS:   defaultRecordingFPS,
		IsReplaying:    s.replaying,
	}

	if !s.startedAt.IsZero() && len(s.frames) > 0 {
		if elapsed := time.Since(s.startedAt).Seconds(); elapsed > 0 {
			st.FPS = float64(len(s.frames)) / elapsed
		}
	}

	// Native frame rate from first/last timestamps. Too short a span
	// gives a nonsense rate, so fall back to the default.
	if len(s.frames) >= 2 {
		first := s.frames[0].ID().TimestampNs
		last := s.frames[len(s.frames)-1].ID().TimestampNs
		if last > first {
			if span := time.Duration(last - first); span >= time.Millisecond {
				st.RecordingFPS = float64(len(s.frames)-1) / span.Seconds()
			}
		}
	}

	if s.intrinsics != nil {
		st.Intrinsics = &IntrinsicsSummary{
			Fx:          s.intrinsics.Fx,
			Fy:          s.intrinsics.Fy,
			Cx:          s.intrinsics.Cx,
			Cy:          s.intrinsics.Cy,
			ImageWidth:  s.intrinsics.ImageWidth,
			ImageHeight: s.intrinsics.ImageHeight,
		}
	}
	return st
}

// Intrinsics returns the cached camera intrinsics, or nil.
func (s *FrameStore) Intrinsics() *pb.CameraIntrinsics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intrinsics
}

// DeviceID returns the latched device id for the session.
func (s *FrameStore) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}
