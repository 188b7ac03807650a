// Package verto implements the client side of a verto-style JSON-RPC
// session over a persistent connection: request/response correlation,
// login with transparent re-auth, jittered keepalive, and the broadcast and
// direct-message primitives the call protocol is built on.
package verto

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"peer-call/pkg/log"

	"github.com/google/uuid"
)

const (
	defaultPingMin         = 40 * time.Second
	defaultPingMax         = 50 * time.Second
	defaultRequestExpiry   = 30 * time.Second
	defaultDisconnectGrace = 10 * time.Second
)

// Transport is the persistent connection the client runs on.
// *socket.Socket satisfies it.
type Transport interface {
	Open()
	Close()
	Send(v any)

	OnOpen(func())
	OnClose(func())
	OnMessage(func([]byte))
}

// Store persists channel-scoped session variables between runs.
type Store interface {
	Get(channelID, key string) string
	Set(channelID, key, value string) (bool, error)
}

// Handlers is the client's event surface. Nil entries are replaced with
// logging no-ops in New; this is the only place defaults live.
type Handlers struct {
	OnOpen           func()
	OnClose          func(timedOut bool)
	OnLogin          func()
	OnLoginError     func(message string)
	OnReady          func()
	OnSubscribed     func()
	OnSubscribeError func(err error)
	OnPing           func()
	OnPingError      func()
	OnPunt           func()
	OnEvent          func(clientID string, body json.RawMessage)
	OnMessage        func(clientID string, body json.RawMessage)
}

type Config struct {
	ChannelID  string
	SessionURL string
	HTTPClient *http.Client

	PingMin         time.Duration
	PingMax         time.Duration
	RequestExpiry   time.Duration
	DisconnectGrace time.Duration

	// Now and Rand are swappable for tests.
	Now  func() time.Time
	Rand func(int) int
}

type pendingRequest struct {
	method    string
	params    map[string]any
	sentAt    time.Time
	onSuccess func(json.RawMessage)
	onError   func(Error)
}

type Client struct {
	cfg   Config
	tr    Transport
	store Store
	h     Handlers

	mu           sync.Mutex
	session      SessionData
	callbacks    map[string]*pendingRequest
	retryQueue   []*pendingRequest
	authing      bool
	authed       bool
	closing      bool
	pingTimer    *time.Timer
	lastActiveAt time.Time
}

func New(cfg Config, tr Transport, store Store, h Handlers) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	if cfg.PingMin == 0 {
		cfg.PingMin = defaultPingMin
	}

	if cfg.PingMax == 0 {
		cfg.PingMax = defaultPingMax
	}

	if cfg.RequestExpiry == 0 {
		cfg.RequestExpiry = defaultRequestExpiry
	}

	if cfg.DisconnectGrace == 0 {
		cfg.DisconnectGrace = defaultDisconnectGrace
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.Rand == nil {
		cfg.Rand = rand.Intn
	}

	fillHandlers(&h)

	c := &Client{
		cfg:       cfg,
		tr:        tr,
		store:     store,
		h:         h,
		callbacks: map[string]*pendingRequest{},
	}

	tr.OnOpen(c.handleTransportOpen)
	tr.OnClose(c.handleTransportClose)
	tr.OnMessage(c.handleTransportMessage)

	return c
}

func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session.ClientID
}

// Open fetches the session identity from the bootstrap service, then opens
// the transport. Runs in the background; the outcome is reported through
// the handlers.
func (c *Client) Open() {
	go func() {
		data, err := c.fetchSessionData()
		if err != nil {
			log.Error("session bootstrap: ", err)
			c.h.OnLoginError(err.Error())

			return
		}

		c.mu.Lock()
		c.session = data
		c.closing = false
		c.mu.Unlock()

		c.tr.Open()
	}()
}

// Close tears the session down deliberately: pending timers are cancelled
// and in-flight requests are dropped without firing their continuations.
func (c *Client) Close() {
	c.mu.Lock()
	c.closing = true
	c.stopPingTimer()
	c.callbacks = map[string]*pendingRequest{}
	c.retryQueue = nil
	c.mu.Unlock()

	c.tr.Close()
}

func (c *Client) Subscribe() {
	c.sendRequest("verto.subscribe", map[string]any{
		"eventChannel": c.cfg.ChannelID,
	}, func(json.RawMessage) {
		c.h.OnSubscribed()
	}, func(err Error) {
		c.h.OnSubscribeError(err)
	})
}

// Publish broadcasts data to every subscriber of the channel. The server
// confirms delivery of the broadcast request, not processing by the peers.
func (c *Client) Publish(data any, onSuccess func(), onError func(error)) {
	encoded, ok := encodeBody(data)
	if !ok {
		if onError != nil {
			onError(Error{Message: "encoding error"})
		}

		return
	}

	c.sendRequest("verto.broadcast", map[string]any{
		"localBroadcast": true,
		"eventChannel":   c.cfg.ChannelID,
		"eventData":      encoded,
	}, func(result json.RawMessage) {
		// The server reports a broadcast failure inside a success
		// response, as a result carrying an error code.
		failed := struct {
			Code *int `json:"code"`
		}{}

		if err := json.Unmarshal(result, &failed); err == nil && failed.Code != nil {
			if onError != nil {
				onError(Error{Code: *failed.Code, Message: "broadcast refused"})
			}

			return
		}

		if onSuccess != nil {
			onSuccess()
		}
	}, func(err Error) {
		if onError != nil {
			onError(err)
		}
	})
}

// SendMessage delivers data to one client on the channel.
func (c *Client) SendMessage(clientID string, data any, onSuccess func(), onError func(error)) {
	encoded, ok := encodeBody(data)
	if !ok {
		if onError != nil {
			onError(Error{Message: "encoding error"})
		}

		return
	}

	c.sendRequest("verto.info", map[string]any{
		"msg": map[string]any{
			"to":   clientID,
			"body": encoded,
		},
	}, func(json.RawMessage) {
		if onSuccess != nil {
			onSuccess()
		}
	}, func(err Error) {
		if onError != nil {
			onError(err)
		}
	})
}

// Nudge triggers an immediate keepalive ping. The owner calls it on a
// liveness hint (the process waking up again) to detect a dead connection
// quickly instead of waiting out the ping interval.
func (c *Client) Nudge() {
	c.mu.Lock()
	authed := c.authed
	c.stopPingTimer()
	c.mu.Unlock()

	if authed {
		c.ping()
	}
}

// Transport handlers.

func (c *Client) handleTransportOpen() {
	c.resetState()
	c.h.OnOpen()
	c.login()
}

func (c *Client) handleTransportClose() {
	c.mu.Lock()

	timedOut := !c.closing && !c.lastActiveAt.IsZero() &&
		c.cfg.Now().Sub(c.lastActiveAt) > c.cfg.PingMax+c.cfg.DisconnectGrace

	c.mu.Unlock()

	c.resetState()
	c.h.OnClose(timedOut)
}

func (c *Client) handleTransportMessage(payload []byte) {
	env := parseEnvelope(payload)
	if env == nil {
		return
	}

	c.mu.Lock()
	pending := c.callbacks[string(env.ID)]
	c.mu.Unlock()

	if pending != nil {
		c.handleResponse(env, pending)
	} else {
		c.handleEvent(env)
	}
}

// Requests and responses.

func (c *Client) sendRequest(method string, params map[string]any, onSuccess func(json.RawMessage), onError func(Error)) {
	c.mu.Lock()

	req := newRequest(c.session.SessionID, uuid.NewString(), method, params)
	c.callbacks[req.ID] = &pendingRequest{
		method:    method,
		params:    params,
		sentAt:    c.cfg.Now(),
		onSuccess: onSuccess,
		onError:   onError,
	}

	c.mu.Unlock()

	log.Debugf("sending %s request %s", method, req.ID)
	c.tr.Send(req)
}

func (c *Client) handleResponse(env *envelope, pending *pendingRequest) {
	c.mu.Lock()
	delete(c.callbacks, string(env.ID))
	c.mu.Unlock()

	if env.Result != nil {
		if pending.onSuccess != nil {
			pending.onSuccess(env.Result)
		}

		return
	}

	if env.Error == nil {
		log.Error("bad response without result or error")

		return
	}

	if env.Error.Code == codeAuthRequired {
		// Re-authenticate instead of failing the caller; the request is
		// queued and replayed once the login goes through.
		if pending.method != "login" {
			c.mu.Lock()
			c.retryQueue = append(c.retryQueue, pending)
			c.mu.Unlock()
		}

		c.login()

		return
	}

	if pending.onError != nil {
		pending.onError(*env.Error)
	} else {
		log.Errorf("%s request failed: %s", pending.method, env.Error.Message)
	}
}

func (c *Client) login() {
	c.mu.Lock()

	if c.authing {
		// A login is already in flight; queued requests ride on it.
		c.mu.Unlock()

		return
	}

	c.authing = true
	c.authed = false
	session := c.session

	c.mu.Unlock()

	c.sendRequest("login", map[string]any{
		"login":  session.ClientID,
		"passwd": session.Password,
	}, func(json.RawMessage) {
		c.mu.Lock()
		c.authing = false
		c.authed = true
		c.lastActiveAt = c.cfg.Now()
		queued := c.retryQueue
		c.retryQueue = nil
		c.mu.Unlock()

		c.schedulePing()
		c.h.OnLogin()

		for _, pending := range queued {
			c.sendRequest(pending.method, pending.params, pending.onSuccess, pending.onError)
		}
	}, func(err Error) {
		c.Close()
		c.h.OnLoginError(err.Message)
	})
}

// Keepalive.

func (c *Client) ping() {
	c.sweepCallbacks()

	c.sendRequest("echo", nil, func(json.RawMessage) {
		c.mu.Lock()
		c.lastActiveAt = c.cfg.Now()
		c.mu.Unlock()

		c.h.OnPing()
		c.schedulePing()
	}, func(Error) {
		c.h.OnPingError()
	})
}

func (c *Client) schedulePing() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return
	}

	c.stopPingTimer()

	band := int(c.cfg.PingMax - c.cfg.PingMin)
	interval := c.cfg.PingMin + time.Duration(c.cfg.Rand(band+1))

	c.pingTimer = time.AfterFunc(interval, c.ping)
}

// stopPingTimer must be called with mu held.
func (c *Client) stopPingTimer() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

// sweepCallbacks drops pending requests whose responses stopped mattering:
// older than the expiry window, no continuation fired. Runs before every
// ping and on every reconnect.
func (c *Client) sweepCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()

	for id, pending := range c.callbacks {
		if now.Sub(pending.sentAt) > c.cfg.RequestExpiry {
			delete(c.callbacks, id)
			log.Warnf("expired %s request %s", pending.method, id)
		}
	}
}

func (c *Client) resetState() {
	c.mu.Lock()
	c.authing = false
	c.authed = false
	c.stopPingTimer()
	c.mu.Unlock()

	c.sweepCallbacks()
}

// Server-pushed events.

func (c *Client) handleEvent(env *envelope) {
	switch env.Method {
	case "verto.clientReady":
		c.h.OnReady()
	case "verto.info":
		c.handleInfo(env.Params)
	case "verto.event":
		c.handleBroadcast(env.Params)
	case "verto.punt":
		c.Close()
		c.h.OnPunt()
	default:
		log.Debugf("unhandled event %q", env.Method)
	}
}

func (c *Client) handleInfo(raw json.RawMessage) {
	params := infoParams{}

	if err := json.Unmarshal(raw, &params); err != nil ||
		params.Msg.To == "" || params.Msg.From == "" || params.Msg.Body == "" {
		log.Error("malformed info event")

		return
	}

	if stripHost(params.Msg.To) != c.ClientID() {
		log.Error("info event for someone else: ", params.Msg.To)

		return
	}

	body, ok := decodeBody(params.Msg.Body)
	if !ok {
		return
	}

	c.h.OnMessage(stripHost(params.Msg.From), body)
}

func (c *Client) handleBroadcast(raw json.RawMessage) {
	params := eventParams{}

	if err := json.Unmarshal(raw, &params); err != nil {
		log.Error("malformed broadcast event")

		return
	}

	c.mu.Lock()
	own := params.SessID != "" && params.SessID == c.session.SessionID
	c.mu.Unlock()

	if own {
		// A client must not react to its own broadcasts.
		return
	}

	if params.UserID == "" || params.EventChannel == "" || params.EventData == "" {
		log.Error("malformed broadcast event")

		return
	}

	if params.EventChannel != c.cfg.ChannelID {
		log.Error("broadcast for another channel: ", params.EventChannel)

		return
	}

	body, ok := decodeBody(params.EventData)
	if !ok {
		return
	}

	c.h.OnEvent(stripHost(params.UserID), body)
}

func stripHost(id string) string {
	return strings.SplitN(id, "@", 2)[0]
}

func fillHandlers(h *Handlers) {
	if h.OnOpen == nil {
		h.OnOpen = func() { log.Info("connected") }
	}

	if h.OnClose == nil {
		h.OnClose = func(bool) { log.Info("disconnected") }
	}

	if h.OnLogin == nil {
		h.OnLogin = func() { log.Info("logged in") }
	}

	if h.OnLoginError == nil {
		h.OnLoginError = func(message string) { log.Error("login failed: ", message) }
	}

	if h.OnReady == nil {
		h.OnReady = func() { log.Info("client ready") }
	}

	if h.OnSubscribed == nil {
		h.OnSubscribed = func() { log.Info("subscribed") }
	}

	if h.OnSubscribeError == nil {
		h.OnSubscribeError = func(err error) { log.Error("subscribe failed: ", err) }
	}

	if h.OnPing == nil {
		h.OnPing = func() { log.Debug("ping") }
	}

	if h.OnPingError == nil {
		h.OnPingError = func() { log.Error("ping failed") }
	}

	if h.OnPunt == nil {
		h.OnPunt = func() { log.Warn("punted by the server") }
	}

	if h.OnEvent == nil {
		h.OnEvent = func(clientID string, _ json.RawMessage) { log.Debug("event from ", clientID) }
	}

	if h.OnMessage == nil {
		h.OnMessage = func(clientID string, _ json.RawMessage) { log.Debug("message from ", clientID) }
	}
}
