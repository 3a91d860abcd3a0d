// Package broadcast is the emission boundary: a websocket hub that pushes
// annotated frames to every connected viewer and routes camera-change
// requests from viewers back into the pipeline. It also exposes the
// Prometheus scrape endpoint.
package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconfigurer receives camera-change requests from connected clients.
type Reconfigurer interface {
	Reconfigure(slot, device int)
}

// frameMessage carries one slot's per-cycle output. Image is JPEG bytes
// (base64 on the wire); Error is set instead when the slot faulted.
type frameMessage struct {
	Type  string `json:"type"`
	Slot  int    `json:"slot"`
	Image []byte `json:"image,omitempty"`
	Error string `json:"error,omitempty"`
}

// camerasMessage announces the device indices currently answering probes.
type camerasMessage struct {
	Type    string `json:"type"`
	Cameras []int  `json:"cameras"`
}

// updateMessage is the inbound request to point a slot at another device.
type updateMessage struct {
	Type   string `json:"type"`
	Slot   int    `json:"slot"`
	Device int    `json:"device"`
}

// sendBuffer bounds each client's outbound queue. A client that falls this
// far behind is disconnected rather than allowed to stall the pipeline.
const sendBuffer = 8

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans frames out to websocket clients. It implements the pipeline's
// Emitter interface.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	quality  int

	mu      sync.Mutex
	clients map[*client]struct{}
	reconf  Reconfigurer
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers are served from anywhere on the LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		quality: 80,
		clients: make(map[*client]struct{}),
	}
}

// SetReconfigurer wires the pipeline in after construction. The hub must be
// built first because the pipeline takes the hub as its emitter.
func (h *Hub) SetReconfigurer(r Reconfigurer) {
	h.mu.Lock()
	h.reconf = r
	h.mu.Unlock()
}

// EmitFrame JPEG-encodes one slot's frame and queues it to every client.
// Faulted slots carry the error string and no image.
func (h *Hub) EmitFrame(slot int, img *image.RGBA, errMsg string) {
	msg := frameMessage{Type: "frame", Slot: slot, Error: errMsg}
	if img != nil {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: h.quality}); err != nil {
			h.log.Error("jpeg encode failed", "slot", slot, "err", err)
			return
		}
		msg.Image = buf.Bytes()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("frame marshal failed", "slot", slot, "err", err)
		return
	}
	h.broadcast(payload)
}

// AnnounceCameras pushes the current set of usable device indices.
func (h *Hub) AnnounceCameras(indices []int) {
	payload, err := json.Marshal(camerasMessage{Type: "available-cameras", Cameras: indices})
	if err != nil {
		return
	}
	h.broadcast(payload)
}

// broadcast queues payload to every client without blocking. Clients whose
// queue is full are dropped.
func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.log.Warn("dropping slow websocket client", "addr", c.conn.RemoteAddr())
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Serve runs the HTTP server until ctx is cancelled. /ws upgrades viewer
// connections; /metrics serves the Prometheus scrape endpoint.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		h.log.Info("websocket hub listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		h.closeAll()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client connected", "addr", conn.RemoteAddr(), "clients", n)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// readPump handles inbound messages until the connection dies. The only
// recognized request is update-camera.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg updateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("unparseable client message", "err", err)
			continue
		}
		if msg.Type != "update-camera" {
			continue
		}
		h.mu.Lock()
		r := h.reconf
		h.mu.Unlock()
		if r != nil {
			r.Reconfigure(msg.Slot, msg.Device)
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
	h.log.Info("websocket client disconnected", "addr", c.conn.RemoteAddr())
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}
