package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"posecapture/internal/vision"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Response is the detector service's reply to one frame.
type Response struct {
	Faces []vision.Face `json:"faces"`
	Error string        `json:"error,omitempty"`
}

const errCodeModelNotLoaded = "model_not_loaded"

// WebSocketConfig configures the remote detector client.
type WebSocketConfig struct {
	URL              string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	JPEGQuality      int
}

// WebSocket sends JPEG frames as binary messages to a landmark service and
// reads one JSON Response per frame. The connection is dialled lazily and
// dropped on any I/O error; the next call redials.
type WebSocket struct {
	cfg    WebSocketConfig
	log    *slog.Logger
	dialer websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocket returns a client for cfg.URL.
func NewWebSocket(cfg WebSocketConfig, logger *slog.Logger) *WebSocket {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		cfg:    cfg,
		log:    logger,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}
}

// Detect implements Detector. An unreachable service is reported as
// ErrModelNotLoaded so sessions stop triggering until it returns.
func (c *WebSocket) Detect(ctx context.Context, frame *vision.Frame) (vision.Detection, error) {
	payload, err := vision.EncodeJPEG(frame.Image, c.cfg.JPEGQuality)
	if err != nil {
		return vision.Detection{}, fmt.Errorf("encode frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return vision.Detection{}, fmt.Errorf("%w: %v", ErrModelNotLoaded, err)
	}

	conn.SetWriteDeadline(c.deadline(ctx, c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		c.drop()
		return vision.Detection{}, fmt.Errorf("send frame: %w", err)
	}

	conn.SetReadDeadline(c.deadline(ctx, c.cfg.ReadTimeout))
	_, message, err := conn.ReadMessage()
	if err != nil {
		c.drop()
		return vision.Detection{}, fmt.Errorf("read detection: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(message, &resp); err != nil {
		return vision.Detection{}, fmt.Errorf("decode detection: %w", err)
	}
	switch resp.Error {
	case "":
	case errCodeModelNotLoaded:
		return vision.Detection{}, ErrModelNotLoaded
	default:
		return vision.Detection{}, fmt.Errorf("detector: %s", resp.Error)
	}
	return vision.Detection{Faces: resp.Faces}, nil
}

func (c *WebSocket) connect(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	if c.cfg.URL == "" {
		return nil, errors.New("detector url not configured")
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
	}
	conn.SetPingHandler(func(appData string) error {
		if err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			c.log.Warn("error sending pong", "error", err)
		}
		return nil
	})
	c.log.Info("connected to detector", "url", c.cfg.URL)
	c.conn = conn
	return conn, nil
}

func (c *WebSocket) deadline(ctx context.Context, d time.Duration) time.Time {
	t := time.Now().Add(d)
	if dl, ok := ctx.Deadline(); ok && dl.Before(t) {
		return dl
	}
	return t
}

func (c *WebSocket) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close closes the connection if open.
func (c *WebSocket) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.drop()
	return err
}
