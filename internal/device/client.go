package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sermon-relay/backend/config"
)

// Wire frames exchanged with the production device. The device speaks a small
// JSON protocol: a hello/identify handshake, unsolicited event frames for
// output transitions, and correlated request/response pairs for queries.
type frame struct {
	Op   string          `json:"op"` // hello, identify, identified, event, request, response
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type identifyData struct {
	Password string `json:"password,omitempty"`
}

// errIdentifyRejected marks an authentication failure during the handshake.
// Reconnecting cannot fix bad credentials, so it is surfaced as an error
// signal instead of being retried silently.
var errIdentifyRejected = errors.New("device rejected credentials")

type outputEventData struct {
	State      OutputState `json:"state"`
	DurationMS int64       `json:"duration_ms"`
}

type outputStatusData struct {
	StreamActive bool `json:"stream_active"`
	RecordActive bool `json:"record_active"`
}

type directoryData struct {
	Directory string `json:"directory"`
}

type pathData struct {
	Path string `json:"path"`
}

// Client maintains the websocket connection to the production device,
// reconnecting with a fixed delay, and turns raw frames into edge-triggered
// Signals. It is the only writer to the signal channel, so consumers see
// signals in device emission order.
type Client struct {
	cfg    config.DeviceConfig
	logger *zap.Logger

	signals chan Signal

	mu           sync.Mutex
	conn         *websocket.Conn
	pending      map[string]chan frame
	connected    bool
	streamActive bool
	recordActive bool
}

// NewClient creates a device client. Run must be called to start it.
func NewClient(cfg config.DeviceConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		signals: make(chan Signal, 64),
		pending: make(map[string]chan frame),
	}
}

// Signals returns the ordered signal channel.
func (c *Client) Signals() <-chan Signal { return c.signals }

// StreamingActive reports whether the device stream output is currently
// running. The background uploader pauses while this is true.
func (c *Client) StreamingActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.streamActive
}

// Run connects and re-connects until ctx is done.
func (c *Client) Run(ctx context.Context) {
	delay := time.Duration(c.cfg.ReconnectSeconds) * time.Second
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for {
		if err := c.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("device connection lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(c.cfg.HandshakeTimeout) * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial device: %w", err)
	}
	defer conn.Close()

	if err := c.handshake(conn); err != nil {
		if errors.Is(err, errIdentifyRejected) {
			c.emit(Signal{Type: SignalError, At: time.Now(), Message: err.Error()})
		}
		return fmt.Errorf("device handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// The read loop must be running before the status query: it is the only
	// reader, so the response would otherwise sit unread until the timeout.
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, conn) }()

	// Snapshot output status before announcing the connection so the session
	// machine can decide whether a PAUSED session may resume.
	stream, record := c.outputStatus()
	c.mu.Lock()
	c.connected = true
	c.streamActive = stream
	c.recordActive = record
	c.mu.Unlock()

	c.emit(Signal{
		Type:         SignalConnected,
		At:           time.Now(),
		StreamActive: stream,
		RecordActive: record,
	})
	c.logger.Info("device connected",
		zap.String("url", c.cfg.URL),
		zap.Bool("stream_active", stream),
		zap.Bool("record_active", record))

	err = <-readErr

	c.mu.Lock()
	c.connected = false
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.emit(Signal{Type: SignalDisconnected, At: time.Now()})
	c.logger.Info("device disconnected", zap.String("url", c.cfg.URL))
	return err
}

func (c *Client) handshake(conn *websocket.Conn) error {
	deadline := time.Now().Add(time.Duration(c.cfg.HandshakeTimeout) * time.Second)
	_ = conn.SetReadDeadline(deadline)

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		return err
	}
	if hello.Op != "hello" {
		return fmt.Errorf("expected hello, got %q", hello.Op)
	}

	data, _ := json.Marshal(identifyData{Password: c.cfg.Password})
	if err := conn.WriteJSON(frame{Op: "identify", Data: data}); err != nil {
		return err
	}

	var identified frame
	if err := conn.ReadJSON(&identified); err != nil {
		return err
	}
	if identified.Op != "identified" {
		return fmt.Errorf("%w: got %q", errIdentifyRejected, identified.Op)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Op {
		case "event":
			c.handleEvent(f)
		case "response":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

// handleEvent turns a raw output-state frame into an edge-triggered signal.
// The device may repeat its current state or report transient substates;
// only a flip of the active flag is a genuine start/stop.
func (c *Client) handleEvent(f frame) {
	switch f.Type {
	case "StreamStateChanged", "RecordStateChanged":
		var data outputEventData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			c.logger.Warn("bad output event", zap.String("type", f.Type), zap.Error(err))
			return
		}
		active := data.State.Active()

		c.mu.Lock()
		var changed bool
		var sigType SignalType
		if f.Type == "StreamStateChanged" {
			changed = c.streamActive != active
			c.streamActive = active
			sigType = SignalStreamState
		} else {
			changed = c.recordActive != active
			c.recordActive = active
			sigType = SignalRecordState
		}
		c.mu.Unlock()

		if !changed {
			c.logger.Debug("output state repeated, no edge",
				zap.String("type", f.Type), zap.String("state", string(data.State)))
			return
		}
		c.emit(Signal{
			Type:     sigType,
			Output:   data.State,
			Duration: time.Duration(data.DurationMS) * time.Millisecond,
			At:       time.Now(),
		})
	}
}

func (c *Client) emit(s Signal) {
	select {
	case c.signals <- s:
	default:
		// A full buffer means the consumer has stalled badly; dropping the
		// oldest would reorder, so drop the newest and log it.
		c.logger.Error("signal buffer full, dropping signal", zap.String("type", string(s.Type)))
	}
}

// request sends a correlated request and waits for its response.
func (c *Client) request(reqType string, timeout time.Duration) (frame, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return frame{}, fmt.Errorf("device not connected")
	}
	id := uuid.New().String()
	ch := make(chan frame, 1)
	c.pending[id] = ch
	err := conn.WriteJSON(frame{Op: "request", ID: id, Type: reqType})
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("send %s: %w", reqType, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("%s: connection closed", reqType)
		}
		return f, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("%s: timed out", reqType)
	}
}

func (c *Client) outputStatus() (stream, record bool) {
	f, err := c.request("GetOutputStatus", c.requestTimeout())
	if err != nil {
		c.logger.Warn("output status query failed", zap.Error(err))
		return false, false
	}
	var data outputStatusData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return false, false
	}
	return data.StreamActive, data.RecordActive
}

// RecordDirectory asks the device for its current recording output directory.
func (c *Client) RecordDirectory(timeout time.Duration) (string, error) {
	f, err := c.request("GetRecordDirectory", timeout)
	if err != nil {
		return "", err
	}
	var data directoryData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return "", fmt.Errorf("parse record directory: %w", err)
	}
	return data.Directory, nil
}

// LastRecordingPath asks the device for the most recently completed recording.
func (c *Client) LastRecordingPath(timeout time.Duration) (string, error) {
	f, err := c.request("GetLastRecordingPath", timeout)
	if err != nil {
		return "", err
	}
	var data pathData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return "", fmt.Errorf("parse recording path: %w", err)
	}
	return data.Path, nil
}

func (c *Client) requestTimeout() time.Duration {
	if c.cfg.RequestTimeoutSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.cfg.RequestTimeoutSec) * time.Second
}
