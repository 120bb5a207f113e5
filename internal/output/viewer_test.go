package output

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/AcqBridge/internal/frame"
)

func testFrame(n int) frame.TaggedImage {
	px := make(frame.Shorts, 32*16)
	for i := range px {
		px[i] = uint16(i * 64)
	}
	return frame.New(px, frame.Metadata{
		frame.TagWidth:       32,
		frame.TagHeight:      16,
		frame.TagBitDepth:    16,
		frame.TagImageNumber: n,
	})
}

func dialMetadata(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/viewer/metadata"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMetadata(t *testing.T, conn *websocket.Conn) metadataMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg metadataMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestViewer_PushesDebouncedMetadata(t *testing.T) {
	v := NewViewer(Config{Debounce: 100 * time.Millisecond})
	srv := httptest.NewServer(v.ViewerHandler())
	defer srv.Close()

	require.NoError(t, v.Initialize(frame.Metadata{"Prefix": "run"}))
	conn := dialMetadata(t, srv)

	// the handler registers the client asynchronously
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, v.Put(testFrame(i)))
	}

	msg := readMetadata(t, conn)
	assert.Equal(t, float64(4), msg.Image[frame.TagImageNumber])
	assert.Equal(t, "run", msg.Summary["Prefix"])
	assert.Equal(t, uint64(5), v.FrameCount())

	require.NoError(t, v.Close())
	cleared := readMetadata(t, conn)
	assert.Nil(t, cleared.Image)
}

func TestViewer_ServesLastFrame(t *testing.T) {
	v := NewViewer(DefaultConfig())
	srv := httptest.NewServer(v.ViewerHandler())
	defer srv.Close()
	defer v.Close()

	resp, err := http.Get(srv.URL + "/viewer/frame")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, v.Initialize(nil))
	require.NoError(t, v.Put(testFrame(7)))

	resp, err = http.Get(srv.URL + "/viewer/frame")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())
}

func TestViewer_Page(t *testing.T) {
	v := NewViewer(DefaultConfig())
	srv := httptest.NewServer(v.ViewerHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/viewer")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/viewer/stream")
}

func TestViewer_Lifecycle(t *testing.T) {
	v := NewViewer(DefaultConfig())

	assert.Error(t, v.Put(testFrame(0)), "put before initialize")

	require.NoError(t, v.Initialize(nil))
	assert.ErrorIs(t, v.Put(frame.TaggedImage{}), frame.ErrContractViolation)
	assert.Zero(t, v.FrameCount())
	require.NoError(t, v.Put(frame.EndOfStream()))
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	assert.ErrorIs(t, v.Put(testFrame(1)), ErrSinkClosed)
	assert.ErrorIs(t, v.Initialize(nil), ErrSinkClosed)
}

func TestDrawLabel(t *testing.T) {
	img, err := frame.ToImage(make(frame.Bytes, 64*20), 64, 20)
	require.NoError(t, err)
	gray := toGray8(img, 8)

	drawLabel(gray, "#12")

	lit := 0
	for _, p := range gray.Pix {
		if p == 0xFF {
			lit++
		}
	}
	assert.Positive(t, lit)
}

func TestToGray8_ScalesByBitDepth(t *testing.T) {
	img, err := frame.ToImage(frame.Shorts{0x0FFF, 0x0100}, 2, 1)
	require.NoError(t, err)

	gray := toGray8(img, 12)
	assert.Equal(t, []uint8{0xFF, 0x10}, gray.Pix)
}
