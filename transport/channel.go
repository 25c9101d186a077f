// Package transport owns the duplex socket to the conversation server.
// Outbound traffic goes through a single write pump; inbound traffic is
// decoded and republished as events on one channel, so the consumer
// never touches the socket directly.
package transport

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicelink/audio"
	"voicelink/wire"
)

// ErrNotOpen is returned by sends issued before Open or after Close.
var ErrNotOpen = errors.New("transport channel not open")

const (
	writeBufferSize  = 256
	eventBufferSize  = 256
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// EventKind discriminates Channel events.
type EventKind int

const (
	// EventOpened fires once after the session handshake is on the wire.
	EventOpened EventKind = iota
	// EventBinary carries an inbound audio payload.
	EventBinary
	// EventControl carries a parsed inbound control message.
	EventControl
	// EventClosed fires once when the socket is gone, with the read
	// error that ended it (nil on clean shutdown).
	EventClosed
)

// Event is one inbound occurrence on the channel.
type Event struct {
	Kind    EventKind
	Audio   []byte
	Control wire.ControlMessage
	Err     error
}

type outbound struct {
	binary []byte
	json   any
}

// Channel is a single-use connection. Open it once, drain Events until
// EventClosed, then discard it.
type Channel struct {
	events    chan Event
	writeChan chan outbound

	mu        sync.RWMutex
	conn      *websocket.Conn
	open      bool
	closed    bool
	closeChan chan struct{}
}

func NewChannel() *Channel {
	return &Channel{
		events:    make(chan Event, eventBufferSize),
		writeChan: make(chan outbound, writeBufferSize),
		closeChan: make(chan struct{}),
	}
}

// Open dials the conversation endpoint derived from origin and sends
// the session config as the first frame. Events start flowing once it
// returns nil.
func (c *Channel) Open(origin string, cfg wire.SessionConfig) error {
	c.mu.Lock()
	if c.open || c.closed {
		c.mu.Unlock()
		return errors.New("transport channel already used")
	}
	c.mu.Unlock()

	socketURL, err := wire.SocketURL(origin)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(socketURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", socketURL, err)
	}
	conn.SetReadLimit(512 * 1024)

	payload, err := wire.Marshal(cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("encode session config: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return fmt.Errorf("send session config: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	// Queue the opened event before the read pump starts so nothing
	// can close the stream underneath it.
	c.emit(Event{Kind: EventOpened})
	go c.writePump()
	go c.readPump()

	log.Printf("🔌 Connected to %s", socketURL)
	return nil
}

// Events returns the inbound event stream. Closed after EventClosed is
// delivered.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// SendAudio queues an encoded microphone frame. Frames are dropped
// rather than queued unboundedly when the socket falls behind.
func (c *Channel) SendAudio(frame audio.Frame) error {
	return c.queue(outbound{binary: frame.Data})
}

// SendControl queues a JSON control message.
func (c *Channel) SendControl(msg wire.ControlMessage) error {
	return c.queue(outbound{json: msg})
}

func (c *Channel) queue(msg outbound) error {
	c.mu.RLock()
	ok := c.open && !c.closed
	c.mu.RUnlock()
	if !ok {
		return ErrNotOpen
	}
	select {
	case c.writeChan <- msg:
	default:
		// Queue full, drop rather than stall the audio path.
	}
	return nil
}

// Close tears the socket down. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.closeChan)
	if conn != nil {
		conn.Close()
	}
	return nil
}

// writePump drains the queue on a single goroutine so concurrent sends
// never interleave on the socket.
func (c *Channel) writePump() {
	defer func() {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
		}
	}()

	for {
		select {
		case <-c.closeChan:
			return
		case msg := <-c.writeChan:
			if err := c.writeOne(msg); err != nil {
				return
			}
			n := len(c.writeChan)
			for i := 0; i < n; i++ {
				select {
				case msg := <-c.writeChan:
					if err := c.writeOne(msg); err != nil {
						return
					}
				default:
				}
			}
		}
	}
}

func (c *Channel) writeOne(msg outbound) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if msg.binary != nil {
		return c.conn.WriteMessage(websocket.BinaryMessage, msg.binary)
	}
	payload, err := wire.Marshal(msg.json)
	if err != nil {
		log.Printf("⚠️ Failed to encode outbound message: %v", err)
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Channel) readPump() {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.finish(err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.emit(Event{Kind: EventBinary, Audio: message})
		case websocket.TextMessage:
			ctrl, err := wire.ParseControl(message)
			if err != nil {
				log.Printf("⚠️ Dropping unparseable control message: %v", err)
				continue
			}
			c.emit(Event{Kind: EventControl, Control: ctrl})
		}
	}
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closeChan:
	}
}

// finish delivers the terminal event and closes the stream. The send
// is unconditional: EventClosed must reach the consumer even when the
// buffer is saturated, and it is the last send before the close.
func (c *Channel) finish(err error) {
	if err != nil {
		log.Printf("🔌 Connection lost: %v", err)
	}
	c.Close()
	c.events <- Event{Kind: EventClosed, Err: err}
	close(c.events)
}

func (c *Channel) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
