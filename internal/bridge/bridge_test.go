package bridge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionhub/internal/pb"
	"visionhub/internal/protolog"
	"visionhub/internal/store"
)

func frame(ts, num uint64) *pb.Frame {
	return &pb.Frame{
		FrameIdentifier: &pb.FrameIdentifier{TimestampNs: ts, FrameNumber: num, DeviceID: "dev"},
	}
}

func annotation(ts, num uint64) *pb.SegmentationResponse {
	return &pb.SegmentationResponse{
		FrameIdentifier: &pb.FrameIdentifier{TimestampNs: ts, FrameNumber: num},
		TriggerType:     pb.TriggerPoint,
		Masks:           []*pb.SegmentationMask{{ObjectID: 1, MaskData: []byte("m"), PixelCount: 1, Confidence: 1}},
	}
}

// stubAnnotations is a fixed annotation set standing in for the
// annotator.
type stubAnnotations struct {
	anns map[[2]uint64]*pb.SegmentationResponse
}

func newStub(resps ...*pb.SegmentationResponse) *stubAnnotations {
	s := &stubAnnotations{anns: make(map[[2]uint64]*pb.SegmentationResponse)}
	for _, r := range resps {
		id := r.ID()
		s.anns[[2]uint64{id.TimestampNs, id.FrameNumber}] = r
	}
	return s
}

func (s *stubAnnotations) AllAnnotations() []*pb.SegmentationResponse {
	keys := make([][2]uint64, 0, len(s.anns))
	for k := range s.anns {
		keys = append(keys, k)
	}
	// Stable order for assertions.
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j][0] < keys[i][0] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	out := make([]*pb.SegmentationResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.anns[k])
	}
	return out
}

func (s *stubAnnotations) GetAnnotation(ts, fn uint64) *pb.SegmentationResponse {
	return s.anns[[2]uint64{ts, fn}]
}

func dial(t *testing.T, b *Bridge) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(b.HandleViewer))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

// readBinary reads the next binary message and returns prefix and
// payload.
func readBinary(t *testing.T, conn *websocket.Conn) (byte, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	require.NotEmpty(t, data)
	return data[0], data[1:]
}

func TestConnectCatchUp(t *testing.T) {
	st := store.NewFrameStore()
	for i := 0; i < 3; i++ {
		st.Push(frame(uint64(i)*100, uint64(i)))
	}
	stub := newStub(annotation(0, 0), annotation(100, 1))
	b := New(st, stub)

	conn, done := dial(t, b)
	defer done()

	// First message is the latest frame so the UI is never blank.
	prefix, payload := readBinary(t, conn)
	require.Equal(t, PrefixFrames, prefix)
	frames := protolog.Decode[pb.Frame](payload)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(2), frames[0].ID().FrameNumber)

	// Then the whole annotation history.
	prefix, payload = readBinary(t, conn)
	require.Equal(t, PrefixAnnotations, prefix)
	assert.Len(t, protolog.Decode[pb.SegmentationResponse](payload), 2)

	// Live frames follow once the subscription is in place.
	time.Sleep(50 * time.Millisecond)
	st.Push(frame(300, 3))
	prefix, payload = readBinary(t, conn)
	require.Equal(t, PrefixFrames, prefix)
	frames = protolog.Decode[pb.Frame](payload)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(3), frames[0].ID().FrameNumber)
}

func TestSeekWithAnnotations(t *testing.T) {
	st := store.NewFrameStore()
	for i := 0; i < 10; i++ {
		st.Push(frame(uint64(i)*100, uint64(i)))
	}
	stub := newStub(annotation(200, 2), annotation(400, 4), annotation(700, 7))
	b := New(st, stub)

	conn, done := dial(t, b)
	defer done()

	readBinary(t, conn) // catch-up: latest frame
	readBinary(t, conn) // catch-up: annotations

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "seek", "start": 3, "end": 8}))

	prefix, payload := readBinary(t, conn)
	require.Equal(t, PrefixFrames, prefix)
	frames := protolog.Decode[pb.Frame](payload)
	require.Len(t, frames, 5)
	assert.Equal(t, uint64(3), frames[0].ID().FrameNumber)
	assert.Equal(t, uint64(7), frames[4].ID().FrameNumber)

	prefix, payload = readBinary(t, conn)
	require.Equal(t, PrefixAnnotations, prefix)
	anns := protolog.Decode[pb.SegmentationResponse](payload)
	require.Len(t, anns, 2)
	assert.Equal(t, uint64(4), anns[0].ID().FrameNumber)
	assert.Equal(t, uint64(7), anns[1].ID().FrameNumber)
}

func TestGetStats(t *testing.T) {
	st := store.NewFrameStore()
	b := New(st, newStub())

	conn, done := dial(t, b)
	defer done()

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "get_stats"}))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var reply struct {
		Type   string `json:"type"`
		Source string `json:"source"`
	}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "stats", reply.Type)
	assert.Equal(t, "none", reply.Source)
}

func TestGetAnnotations(t *testing.T) {
	st := store.NewFrameStore()
	stub := newStub(annotation(100, 1), annotation(200, 2))
	b := New(st, stub)

	conn, done := dial(t, b)
	defer done()

	readBinary(t, conn) // catch-up annotations (store empty, no frame message)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "get_annotations"}))
	prefix, payload := readBinary(t, conn)
	require.Equal(t, PrefixAnnotations, prefix)
	assert.Len(t, protolog.Decode[pb.SegmentationResponse](payload), 2)
}

func TestMalformedAndUnknownActionsIgnored(t *testing.T) {
	st := store.NewFrameStore()
	b := New(st, newStub())

	conn, done := dial(t, b)
	defer done()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "fly_to_the_moon"}))

	// The connection survives and still answers.
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "get_stats"}))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "stats", reply["type"])
}

func TestBroadcastAnnotation(t *testing.T) {
	st := store.NewFrameStore()
	b := New(st, newStub())

	conn, done := dial(t, b)
	defer done()

	require.Eventually(t, func() bool { return b.ConnectionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	b.BroadcastAnnotation(annotation(100, 1))

	prefix, payload := readBinary(t, conn)
	require.Equal(t, PrefixAnnotations, prefix)
	anns := protolog.Decode[pb.SegmentationResponse](payload)
	require.Len(t, anns, 1)
	assert.Equal(t, uint64(1), anns[0].ID().FrameNumber)
}

func TestViewerEvictedOnDisconnect(t *testing.T) {
	st := store.NewFrameStore()
	b := New(st, newStub())

	conn, done := dial(t, b)
	defer done()

	require.Eventually(t, func() bool { return b.ConnectionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return b.ConnectionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}
