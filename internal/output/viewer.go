package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/AcqBridge/internal/display"
	"github.com/bryanchriswhite/AcqBridge/internal/frame"
	"github.com/bryanchriswhite/AcqBridge/internal/logger"
)

const metadataWriteTimeout = time.Second

// Viewer streams frames as Motion JPEG over HTTP and pushes the metadata of
// the frame on screen to websocket clients.
type Viewer struct {
	config   Config
	notifier *display.MetadataNotifier
	router   *mux.Router
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	running bool
	closed  bool
	summary frame.Metadata

	// Connected stream clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Connected metadata clients and the last message they were sent
	metaMu      sync.Mutex
	metaClients map[*websocket.Conn]struct{}
	lastMeta    []byte

	frameMu    sync.RWMutex
	lastFrame  []byte
	frameCount uint64
}

// metadataMessage is pushed to /viewer/metadata clients
type metadataMessage struct {
	Image   frame.Metadata `json:"image"`
	Summary frame.Metadata `json:"summary,omitempty"`
}

// NewViewer creates a new live viewer
func NewViewer(config Config) *Viewer {
	if config.JPEGQuality <= 0 || config.JPEGQuality > 100 {
		config.JPEGQuality = DefaultConfig().JPEGQuality
	}
	v := &Viewer{
		config:      config,
		clients:     make(map[chan []byte]struct{}),
		metaClients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	v.notifier = display.NewMetadataNotifier(v, config.Debounce)

	v.router = mux.NewRouter()
	v.router.HandleFunc("/viewer", v.handlePage).Methods("GET")
	v.router.HandleFunc("/viewer/stream", v.handleStream).Methods("GET")
	v.router.HandleFunc("/viewer/frame", v.handleFrame).Methods("GET")
	v.router.HandleFunc("/viewer/metadata", v.handleMetadata)
	return v
}

// Initialize starts the viewer
func (v *Viewer) Initialize(summary frame.Metadata) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrSinkClosed
	}
	v.summary = summary
	v.running = true

	logger.WithComponent("viewer").Info().Msg("[MJPEG] Viewer started")
	return nil
}

// Put renders a frame and sends it to all connected clients
func (v *Viewer) Put(img frame.TaggedImage) error {
	v.mu.RLock()
	running, closed, summary := v.running, v.closed, v.summary
	v.mu.RUnlock()

	if closed {
		return ErrSinkClosed
	}
	if !running {
		return fmt.Errorf("viewer not initialized")
	}
	if img.IsEndOfStream() {
		return nil
	}
	if img.Pixels() == nil {
		return fmt.Errorf("%w: frame has no pixels", frame.ErrContractViolation)
	}

	w, h, err := frame.Dimensions(img.Tags())
	if err != nil {
		w, h = img.Pixels().Len(), 1
	}
	pic, err := frame.ToImage(img.Pixels(), w, h)
	if err != nil {
		return err
	}

	bitDepth := 16
	if d, ok := img.Tags()[frame.TagBitDepth].(int); ok {
		bitDepth = d
	}
	gray := toGray8(pic, bitDepth)
	if n, ok := img.Tags()[frame.TagImageNumber]; ok {
		drawLabel(gray, fmt.Sprintf("#%v", n))
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, gray, &jpeg.Options{Quality: v.config.JPEGQuality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	v.frameMu.Lock()
	v.lastFrame = jpegData
	v.frameCount++
	v.frameMu.Unlock()

	// Broadcast to all clients
	v.clientsMu.RLock()
	for ch := range v.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
	v.clientsMu.RUnlock()

	v.notifier.Notify(img.Tags(), summary)
	return nil
}

// Close clears the metadata display and disconnects every client
func (v *Viewer) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.running = false
	v.mu.Unlock()

	v.notifier.Notify(nil, nil)
	v.notifier.Shutdown()

	v.clientsMu.Lock()
	for ch := range v.clients {
		close(ch)
	}
	v.clients = make(map[chan []byte]struct{})
	v.clientsMu.Unlock()

	v.metaMu.Lock()
	for conn := range v.metaClients {
		conn.Close()
	}
	v.metaClients = make(map[*websocket.Conn]struct{})
	v.metaMu.Unlock()

	v.frameMu.RLock()
	count := v.frameCount
	v.frameMu.RUnlock()
	logger.WithComponent("viewer").Info().Msgf("[MJPEG] Viewer stopped after %d frames", count)
	return nil
}

// Name returns the sink type name
func (v *Viewer) Name() string {
	return "MJPEG viewer"
}

// FrameCount returns the number of frames rendered
func (v *Viewer) FrameCount() uint64 {
	v.frameMu.RLock()
	defer v.frameMu.RUnlock()
	return v.frameCount
}

// ViewerHandler serves /viewer, /viewer/stream, /viewer/frame and
// /viewer/metadata
func (v *Viewer) ViewerHandler() http.Handler {
	return v.router
}

// ShowMetadata pushes the metadata of the frame on screen to every
// metadata client.
func (v *Viewer) ShowMetadata(image, summary frame.Metadata) {
	data, err := json.Marshal(metadataMessage{Image: image, Summary: summary})
	if err != nil {
		logger.WithComponent("viewer").Warn().Err(err).Msg("Failed to marshal frame metadata")
		return
	}
	v.broadcastMetadata(data)
}

// Clear tells metadata clients that nothing is on screen.
func (v *Viewer) Clear() {
	data, _ := json.Marshal(metadataMessage{})
	v.broadcastMetadata(data)
}

func (v *Viewer) broadcastMetadata(data []byte) {
	v.metaMu.Lock()
	defer v.metaMu.Unlock()

	v.lastMeta = data
	for conn := range v.metaClients {
		conn.SetWriteDeadline(time.Now().Add(metadataWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(v.metaClients, conn)
		}
	}
}

func (v *Viewer) handleStream(w http.ResponseWriter, r *http.Request) {
	v.mu.RLock()
	closed := v.closed
	v.mu.RUnlock()
	if closed {
		http.Error(w, "viewer closed", http.StatusGone)
		return
	}

	// Set headers for MJPEG stream
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "close")

	frameChan := make(chan []byte, 2) // Buffer 2 frames

	v.clientsMu.Lock()
	v.clients[frameChan] = struct{}{}
	clientCount := len(v.clients)
	v.clientsMu.Unlock()

	log := logger.WithComponent("viewer")
	log.Info().Msgf("[MJPEG] New client connected (total: %d)", clientCount)

	defer func() {
		v.clientsMu.Lock()
		delete(v.clients, frameChan)
		clientCount := len(v.clients)
		v.clientsMu.Unlock()
		log.Info().Msgf("[MJPEG] Client disconnected (remaining: %d)", clientCount)
	}()

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case jpegData, ok := <-frameChan:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
				return
			}
			if _, err := w.Write(jpegData); err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

// handleFrame returns the last rendered frame as a single JPEG
func (v *Viewer) handleFrame(w http.ResponseWriter, r *http.Request) {
	v.frameMu.RLock()
	data := v.lastFrame
	v.frameMu.RUnlock()

	if data == nil {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(data)
}

func (v *Viewer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("viewer").Error().Err(err).Msg("WebSocket upgrade error")
		return
	}

	v.mu.RLock()
	closed := v.closed
	v.mu.RUnlock()
	if closed {
		conn.Close()
		return
	}

	v.metaMu.Lock()
	v.metaClients[conn] = struct{}{}
	if v.lastMeta != nil {
		conn.SetWriteDeadline(time.Now().Add(metadataWriteTimeout))
		conn.WriteMessage(websocket.TextMessage, v.lastMeta)
	}
	v.metaMu.Unlock()

	// Drain until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	v.metaMu.Lock()
	delete(v.metaClients, conn)
	v.metaMu.Unlock()
	conn.Close()
}

func (v *Viewer) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(viewerPage))
}

const viewerPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>AcqBridge Viewer</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            color: #d4d4d4;
            font-family: monospace;
            display: flex;
            min-height: 100vh;
        }
        img {
            flex: 1;
            height: 100vh;
            object-fit: contain;
            background: #000;
        }
        pre {
            width: 320px;
            padding: 12px;
            overflow: auto;
            background: #1e1e1e;
            font-size: 12px;
        }
    </style>
</head>
<body>
    <img src="/viewer/stream" alt="Live acquisition">
    <pre id="metadata"></pre>
    <script>
        const pane = document.getElementById('metadata');
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/viewer/metadata');
        ws.onmessage = (e) => {
            const msg = JSON.parse(e.data);
            pane.textContent = msg.image ? JSON.stringify(msg.image, null, 2) : '';
        };
    </script>
</body>
</html>`
