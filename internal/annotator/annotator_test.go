package annotator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionhub/internal/pb"
	"visionhub/internal/protolog"
)

func frame(ts, num uint64) *pb.Frame {
	return &pb.Frame{
		FrameIdentifier: &pb.FrameIdentifier{TimestampNs: ts, FrameNumber: num, DeviceID: "dev"},
		RgbFrame:        &pb.ImageFrame{Data: []byte{1, 2}, Format: pb.ImageFormatJPEG, Width: 2, Height: 1},
	}
}

func response(ts, num uint64) *pb.SegmentationResponse {
	return &pb.SegmentationResponse{
		FrameIdentifier: &pb.FrameIdentifier{TimestampNs: ts, FrameNumber: num},
		TriggerType:     pb.TriggerAutoGrid,
		Masks: []*pb.SegmentationMask{
			{ObjectID: 1, MaskData: []byte("mask"), PixelCount: 10, Confidence: 0.9},
		},
	}
}

func TestSidecarPath(t *testing.T) {
	assert.Equal(t, "foo.seg.pb", SidecarPath("foo.pb"))
	assert.Equal(t, "recordings/session_1.seg.pb", SidecarPath("recordings/session_1.pb"))
	assert.Equal(t, "noext.seg.pb", SidecarPath("noext"))
}

func TestAnnotateRecordingIdempotent(t *testing.T) {
	a := New("http://127.0.0.1:1", nil) // never connected
	defer a.Close()

	frames := []*pb.Frame{frame(100, 1), frame(200, 2)}
	assert.Equal(t, 2, a.AnnotateRecording(frames))
	assert.Equal(t, 0, a.AnnotateRecording(frames), "second pass queues nothing")
}

func TestAnnotateRecordingSkipsAnnotated(t *testing.T) {
	a := New("http://127.0.0.1:1", nil)
	defer a.Close()

	a.handleResult(response(100, 1))
	queued := a.AnnotateRecording([]*pb.Frame{frame(100, 1), frame(200, 2)})
	assert.Equal(t, 1, queued)
}

func TestSidecarRoundTrip(t *testing.T) {
	recording := filepath.Join(t.TempDir(), "session.pb")

	a := New("http://127.0.0.1:1", nil)
	defer a.Close()
	n, err := a.LoadAnnotations(recording)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "missing sidecar is not an error")

	// Results for frames 1, 3, 5 land while this recording is current.
	a.handleResult(response(100, 1))
	a.handleResult(response(300, 3))
	a.handleResult(response(500, 5))

	b := New("http://127.0.0.1:1", nil)
	defer b.Close()
	n, err = b.LoadAnnotations(recording)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.True(t, b.HasAnnotation(100, 1))
	assert.False(t, b.HasAnnotation(200, 2))
	assert.True(t, b.HasAnnotation(500, 5))
	assert.Equal(t, 3, b.CompletedCount())

	got := b.GetAnnotation(300, 3)
	require.NotNil(t, got)
	assert.Equal(t, pb.TriggerAutoGrid, got.TriggerType)
}

func TestAllAnnotationsOrdered(t *testing.T) {
	a := New("http://127.0.0.1:1", nil)
	defer a.Close()

	a.handleResult(response(300, 3))
	a.handleResult(response(100, 1))
	a.handleResult(response(200, 2))

	anns := a.AllAnnotations()
	require.Len(t, anns, 3)
	assert.Equal(t, uint64(100), anns[0].ID().TimestampNs)
	assert.Equal(t, uint64(200), anns[1].ID().TimestampNs)
	assert.Equal(t, uint64(300), anns[2].ID().TimestampNs)
}

func TestResultOverwritesPrior(t *testing.T) {
	a := New("http://127.0.0.1:1", nil)
	defer a.Close()

	first := response(100, 1)
	second := response(100, 1)
	second.TriggerType = pb.TriggerPoint

	a.handleResult(first)
	a.handleResult(second)

	assert.Equal(t, 1, a.CompletedCount())
	assert.Equal(t, pb.TriggerPoint, a.GetAnnotation(100, 1).TriggerType)
}

// fakeService is an in-process segmentation service: it answers every
// request with a one-mask annotation for the same frame identifier.
func fakeService(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /segment/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /segment/session/start", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"session_id":"test-session"}`))
	})
	mux.HandleFunc("DELETE /segment/session/test-session", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/segment/stream", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-session", r.URL.Query().Get("session_id"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			var req pb.SegmentationRequest
			if err := req.Unmarshal(data); err != nil {
				continue
			}
			resp := &pb.SegmentationResponse{
				FrameIdentifier: req.FrameIdentifier,
				TriggerType:     pb.TriggerAutoGrid,
				Masks: []*pb.SegmentationMask{
					{ObjectID: 1, MaskData: []byte("mask"), PixelCount: 4, Confidence: 0.8},
				},
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, resp.Marshal()); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAnnotationPipeline(t *testing.T) {
	srv := fakeService(t)
	recording := filepath.Join(t.TempDir(), "session.pb")

	var mu sync.Mutex
	var broadcast []*pb.SegmentationResponse
	a := New(srv.URL, func(resp *pb.SegmentationResponse) {
		mu.Lock()
		broadcast = append(broadcast, resp)
		mu.Unlock()
	})
	defer a.Close()

	require.NoError(t, a.Connect(context.Background()))
	assert.True(t, a.Connected())

	_, err := a.LoadAnnotations(recording)
	require.NoError(t, err)

	queued := a.AnnotateRecording([]*pb.Frame{frame(100, 1), frame(200, 2), frame(300, 3)})
	assert.Equal(t, 3, queued)

	require.Eventually(t, func() bool { return a.CompletedCount() == 3 },
		5*time.Second, 10*time.Millisecond)

	assert.True(t, a.HasAnnotation(100, 1))
	assert.True(t, a.HasAnnotation(200, 2))
	assert.True(t, a.HasAnnotation(300, 3))

	mu.Lock()
	assert.Len(t, broadcast, 3)
	mu.Unlock()

	// Every result was persisted to the sidecar as it arrived.
	sidecar := SidecarPath(recording)
	require.Eventually(t, func() bool {
		_, err := os.Stat(sidecar)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	saved, err := protolog.ReadFile[pb.SegmentationResponse](sidecar)
	require.NoError(t, err)
	assert.Len(t, saved, 3)
}

func TestConnectFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New(srv.URL, nil)
	defer a.Close()

	assert.Error(t, a.Connect(context.Background()))
	assert.False(t, a.Connected())

	// Frames queue up for when the service comes back.
	queued := a.AnnotateRecording([]*pb.Frame{frame(100, 1)})
	assert.Equal(t, 1, queued)

	a.Stop()
	assert.Equal(t, 0, a.PendingCount())
}

func TestSendPromptRequiresConnection(t *testing.T) {
	a := New("http://127.0.0.1:1", nil)
	defer a.Close()
	assert.Error(t, a.SendPrompt(context.Background(), Prompt{Text: "chair"}))
}
