// Package socket maintains the persistent connection to the signaling
// server. The connection auto-reconnects with randomized exponential backoff
// until it is deliberately closed (see: Close()).
package socket

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"peer-call/pkg/log"

	"github.com/gorilla/websocket"
)

const (
	defaultRetryBackoff = 5 * time.Second
	defaultRetryMaxWait = 30 * time.Second
)

type Socket struct {
	cfg Config

	openHandler    func()
	closeHandler   func()
	messageHandler func([]byte)

	mu         sync.Mutex
	writeMu    sync.Mutex
	conn       *websocket.Conn
	opening    bool
	halted     bool
	retryCount int
	retryTimer *time.Timer
}

type Config struct {
	URL          string
	RetryBackoff time.Duration
	RetryMaxWait time.Duration
}

func New(cfg Config) *Socket {
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	if cfg.RetryMaxWait == 0 {
		cfg.RetryMaxWait = defaultRetryMaxWait
	}

	return &Socket{
		cfg:            cfg,
		openHandler:    func() {},
		closeHandler:   func() {},
		messageHandler: func([]byte) {},
	}
}

func (s *Socket) OnOpen(h func()) {
	s.openHandler = h
}

func (s *Socket) OnClose(h func()) {
	s.closeHandler = h
}

func (s *Socket) OnMessage(h func([]byte)) {
	s.messageHandler = h
}

// Open establishes the connection unless one is already up or on its way.
// It returns immediately; the outcome is reported through the open/close
// handlers.
func (s *Socket) Open() {
	s.mu.Lock()

	if s.conn != nil || s.opening {
		s.mu.Unlock()

		return
	}

	s.opening = true
	s.halted = false
	s.stopRetryTimer()

	s.mu.Unlock()

	go s.dial()
}

// Close shuts the connection down for good: it cancels any pending retry and
// suppresses further retries until the next Open.
func (s *Socket) Close() {
	s.mu.Lock()

	s.halted = true
	s.opening = false
	s.retryCount = 0
	s.stopRetryTimer()

	conn := s.conn
	s.conn = nil

	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Error("socket close: ", err)
		}
	}
}

// Send marshals v and transmits it as one text message. Sending on a socket
// that is not open is logged and dropped, not an error: the caller's request
// expiry deals with the loss.
func (s *Socket) Send(v any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		log.Error("socket send: not open")

		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		log.Error("socket send: ", err)

		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Error("socket send: ", err)
	}
}

func (s *Socket) dial() {
	conn, _, err := websocket.DefaultDialer.Dial(s.cfg.URL, nil)

	s.mu.Lock()

	if !s.opening {
		// Close() won the race against the dial.
		s.mu.Unlock()

		if err == nil {
			conn.Close()
		}

		return
	}

	s.opening = false

	if err != nil {
		s.mu.Unlock()
		log.Errorf("socket dial %s: %v", s.cfg.URL, err)

		s.closeHandler()
		s.scheduleRetry()

		return
	}

	s.conn = conn
	s.retryCount = 0

	s.mu.Unlock()

	s.openHandler()

	s.readLoop(conn)
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}

		s.messageHandler(payload)
	}

	s.mu.Lock()

	deliberate := s.halted

	if s.conn == conn {
		s.conn = nil
	}

	s.mu.Unlock()

	s.closeHandler()

	if !deliberate {
		s.scheduleRetry()
	}
}

func (s *Socket) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted || s.retryTimer != nil {
		return
	}

	delay := RetryDelay(s.retryCount, s.cfg.RetryBackoff, s.cfg.RetryMaxWait, rand.Intn)

	log.Infof("socket: waiting %s after %d tries", delay, s.retryCount)

	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retryCount++
		s.retryTimer = nil
		s.mu.Unlock()

		s.Open()
	})
}

// stopRetryTimer must be called with mu held.
func (s *Socket) stopRetryTimer() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// RetryDelay computes the reconnect delay for the given retry count: the
// count times one backoff unit, jittered by up to one unit either way, then
// clamped to [0, maxWait]. The first retry is immediate.
func RetryDelay(retryCount int, unit, maxWait time.Duration, rnd func(int) int) time.Duration {
	delay := time.Duration(retryCount) * unit
	if delay == 0 {
		return 0
	}

	delay += time.Duration(rnd(int(2*unit)+1)) - unit

	if delay < 0 {
		delay = 0
	}

	if delay > maxWait {
		delay = maxWait
	}

	return delay
}
