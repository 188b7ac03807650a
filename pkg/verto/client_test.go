package verto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []request

	closeCalls int

	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func (f *fakeTransport) Open() {}

func (f *fakeTransport) OnOpen(h func()) { f.onOpen = h }

func (f *fakeTransport) OnClose(h func()) { f.onClose = h }

func (f *fakeTransport) OnMessage(h func([]byte)) { f.onMessage = h }

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeCalls++
}

func (f *fakeTransport) Send(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, v.(request))
}

func (f *fakeTransport) sentRequests(method string) []request {
	f.mu.Lock()
	defer f.mu.Unlock()

	reqs := []request{}

	for _, req := range f.sent {
		if req.Method == method {
			reqs = append(reqs, req)
		}
	}

	return reqs
}

func (f *fakeTransport) lastRequest(t *testing.T, method string) request {
	t.Helper()

	reqs := f.sentRequests(method)
	if len(reqs) == 0 {
		t.Fatalf("no %s request sent", method)
	}

	return reqs[len(reqs)-1]
}

func (f *fakeTransport) respondResult(id, result string) {
	f.onMessage([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, id, result)))
}

func (f *fakeTransport) respondError(id string, code int, message string) {
	f.onMessage([]byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%q,"error":{"code":%d,"message":%q}}`, id, code, message)))
}

type fakeStore struct {
	mu   sync.Mutex
	vars map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{vars: map[string]string{}}
}

func (f *fakeStore) Get(channelID, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.vars[channelID+"/"+key]
}

func (f *fakeStore) Set(channelID, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.vars[channelID+"/"+key] = value

	return true, nil
}

func newTestClient(h Handlers) (*Client, *fakeTransport) {
	tr := &fakeTransport{}

	c := New(Config{
		ChannelID: "channel-1",
	}, tr, newFakeStore(), h)

	c.session = SessionData{
		SessionID: "sess-1",
		ClientID:  "me",
		Password:  "secret",
	}

	return c, tr
}

func encodeTestBody(t *testing.T, v any) string {
	t.Helper()

	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}

	return base64.StdEncoding.EncodeToString(payload)
}

// authenticate walks the client through the open/login handshake.
func authenticate(t *testing.T, c *Client, tr *fakeTransport) {
	t.Helper()

	tr.onOpen()

	login := tr.lastRequest(t, "login")

	if login.Params["login"] != "me" || login.Params["passwd"] != "secret" {
		t.Fatalf("bad login params: %v", login.Params)
	}

	tr.respondResult(login.ID, `{}`)
}

func TestLoginHandshake(t *testing.T) {
	loggedIn := false

	c, tr := newTestClient(Handlers{
		OnLogin: func() { loggedIn = true },
	})

	authenticate(t, c, tr)

	if !loggedIn {
		t.Fatal("OnLogin never fired")
	}

	login := tr.lastRequest(t, "login")
	if login.Params["sessid"] != "sess-1" {
		t.Fatalf("session ID missing from params: %v", login.Params)
	}
}

func TestAuthRequiredReplaysRequest(t *testing.T) {
	subscribed := false
	publishFailed := false

	c, tr := newTestClient(Handlers{
		OnSubscribed: func() { subscribed = true },
	})

	authenticate(t, c, tr)

	// The session lapses server-side; both in-flight requests draw
	// auth-required. Exactly one re-login must go out, and both requests
	// must be replayed with fresh IDs after it.
	c.Subscribe()
	c.Publish(map[string]string{"peerStatus": "ready"}, nil, func(error) {
		publishFailed = true
	})

	firstSubscribe := tr.lastRequest(t, "verto.subscribe")
	firstBroadcast := tr.lastRequest(t, "verto.broadcast")

	tr.respondError(firstSubscribe.ID, codeAuthRequired, "auth required")
	tr.respondError(firstBroadcast.ID, codeAuthRequired, "auth required")

	if publishFailed {
		t.Fatal("auth-required leaked to the publish caller")
	}

	logins := tr.sentRequests("login")
	if len(logins) != 2 {
		t.Fatalf("expected exactly one re-login, got %d logins total", len(logins))
	}

	tr.respondResult(logins[1].ID, `{}`)

	replayed := tr.lastRequest(t, "verto.subscribe")
	if replayed.ID == firstSubscribe.ID {
		t.Fatal("replayed subscribe reused the old request ID")
	}

	if replayed.Params["eventChannel"] != "channel-1" {
		t.Fatalf("bad subscribe params: %v", replayed.Params)
	}

	if len(tr.sentRequests("verto.broadcast")) != 2 {
		t.Fatal("interrupted broadcast not replayed")
	}

	tr.respondResult(replayed.ID, `{}`)

	if !subscribed {
		t.Fatal("OnSubscribed never fired after the replay")
	}
}

func TestResponseCorrelation(t *testing.T) {
	subscribed := false

	c, tr := newTestClient(Handlers{
		OnSubscribed: func() { subscribed = true },
	})

	authenticate(t, c, tr)
	c.Subscribe()

	subscribe := tr.lastRequest(t, "verto.subscribe")

	tr.respondResult("no-such-request", `{}`)

	if subscribed {
		t.Fatal("a response to an unknown ID fired a callback")
	}

	tr.respondResult(subscribe.ID, `{}`)

	if !subscribed {
		t.Fatal("OnSubscribed never fired")
	}

	// A duplicate response must not fire the callback twice.
	subscribed = false
	tr.respondResult(subscribe.ID, `{}`)

	if subscribed {
		t.Fatal("a duplicate response fired the callback again")
	}
}

func TestExpiredRequestNeverFires(t *testing.T) {
	now := time.Now()
	subscribed := false
	failed := false

	tr := &fakeTransport{}

	c := New(Config{
		ChannelID: "channel-1",
		Now:       func() time.Time { return now },
	}, tr, newFakeStore(), Handlers{
		OnSubscribed:     func() { subscribed = true },
		OnSubscribeError: func(error) { failed = true },
	})

	c.session = SessionData{SessionID: "sess-1", ClientID: "me", Password: "secret"}

	authenticate(t, c, tr)
	c.Subscribe()

	subscribe := tr.lastRequest(t, "verto.subscribe")

	now = now.Add(defaultRequestExpiry + time.Second)
	c.sweepCallbacks()
	c.sweepCallbacks() // sweeping twice must be harmless

	tr.respondResult(subscribe.ID, `{}`)

	if subscribed || failed {
		t.Fatal("an expired request fired a continuation")
	}
}

func TestOwnBroadcastSuppressed(t *testing.T) {
	events := []string{}

	c, tr := newTestClient(Handlers{
		OnEvent: func(clientID string, _ json.RawMessage) {
			events = append(events, clientID)
		},
	})

	authenticate(t, c, tr)

	body := encodeTestBody(t, map[string]string{"peerStatus": "available"})

	deliver := func(sessid, userid string) {
		tr.onMessage([]byte(fmt.Sprintf(
			`{"jsonrpc":"2.0","method":"verto.event","params":{"sessid":%q,"userid":%q,"eventChannel":"channel-1","eventData":%q}}`,
			sessid, userid, body)))
	}

	deliver("sess-1", "me@host")

	if len(events) != 0 {
		t.Fatal("reacted to own broadcast")
	}

	deliver("sess-2", "other@host")

	if len(events) != 1 || events[0] != "other" {
		t.Fatalf("expected one event from %q, got %v", "other", events)
	}
}

func TestBroadcastForAnotherChannelDropped(t *testing.T) {
	events := 0

	c, tr := newTestClient(Handlers{
		OnEvent: func(string, json.RawMessage) { events++ },
	})

	authenticate(t, c, tr)

	body := encodeTestBody(t, map[string]string{"peerStatus": "available"})

	tr.onMessage([]byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"verto.event","params":{"sessid":"sess-2","userid":"other","eventChannel":"channel-9","eventData":%q}}`,
		body)))

	if events != 0 {
		t.Fatal("reacted to a broadcast for another channel")
	}
}

func TestDirectMessageRouting(t *testing.T) {
	messages := map[string]string{}

	c, tr := newTestClient(Handlers{
		OnMessage: func(clientID string, body json.RawMessage) {
			messages[clientID] = string(body)
		},
	})

	authenticate(t, c, tr)

	body := encodeTestBody(t, map[string]string{"peerAction": "offer"})

	deliver := func(to string) {
		tr.onMessage([]byte(fmt.Sprintf(
			`{"jsonrpc":"2.0","method":"verto.info","params":{"msg":{"to":%q,"from":"caller@host","body":%q}}}`,
			to, body)))
	}

	deliver("someone-else")

	if len(messages) != 0 {
		t.Fatal("accepted a message addressed to someone else")
	}

	deliver("me@host")

	if messages["caller"] != `{"peerAction":"offer"}` {
		t.Fatalf("bad message routing: %v", messages)
	}
}

func TestMalformedBodyDropped(t *testing.T) {
	messages := 0

	c, tr := newTestClient(Handlers{
		OnMessage: func(string, json.RawMessage) { messages++ },
	})

	authenticate(t, c, tr)

	// Valid base64, invalid JSON.
	bogus := base64.StdEncoding.EncodeToString([]byte("not json"))

	tr.onMessage([]byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"verto.info","params":{"msg":{"to":"me","from":"caller","body":%q}}}`,
		bogus)))

	if messages != 0 {
		t.Fatal("a malformed body reached the handler")
	}
}

func TestPuntClosesSession(t *testing.T) {
	punted := false

	c, tr := newTestClient(Handlers{
		OnPunt: func() { punted = true },
	})

	authenticate(t, c, tr)

	tr.onMessage([]byte(`{"jsonrpc":"2.0","method":"verto.punt","params":{}}`))

	if !punted {
		t.Fatal("OnPunt never fired")
	}

	tr.mu.Lock()
	closes := tr.closeCalls
	tr.mu.Unlock()

	if closes == 0 {
		t.Fatal("transport left open after a punt")
	}

	// The punted client must not keep the session alive on its own.
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()

	if !closing {
		t.Fatal("client not marked closing after a punt")
	}
}

func TestDisconnectClassification(t *testing.T) {
	now := time.Now()

	var timedOutReports []bool

	tr := &fakeTransport{}

	c := New(Config{
		ChannelID: "channel-1",
		Now:       func() time.Time { return now },
	}, tr, newFakeStore(), Handlers{
		OnClose: func(timedOut bool) { timedOutReports = append(timedOutReports, timedOut) },
	})

	c.session = SessionData{SessionID: "sess-1", ClientID: "me", Password: "secret"}

	authenticate(t, c, tr)

	// Recent activity: a drop right after a successful ping is not a timeout.
	tr.onClose()

	if len(timedOutReports) != 1 || timedOutReports[0] {
		t.Fatalf("expected a clean disconnect, got %v", timedOutReports)
	}

	authenticate(t, c, tr)

	// Silence past the ping interval plus grace is a timeout.
	now = now.Add(defaultPingMax + defaultDisconnectGrace + time.Second)
	tr.onClose()

	if len(timedOutReports) != 2 || !timedOutReports[1] {
		t.Fatalf("expected a timeout, got %v", timedOutReports)
	}
}

func TestPublishReportsRefusal(t *testing.T) {
	var publishErr error

	c, tr := newTestClient(Handlers{})

	authenticate(t, c, tr)

	c.Publish(map[string]string{"peerStatus": "ready"}, nil, func(err error) {
		publishErr = err
	})

	broadcast := tr.lastRequest(t, "verto.broadcast")

	if broadcast.Params["eventChannel"] != "channel-1" {
		t.Fatalf("bad broadcast params: %v", broadcast.Params)
	}

	// The server wraps a refusal in a success response.
	tr.respondResult(broadcast.ID, `{"code":-32001}`)

	if publishErr == nil {
		t.Fatal("refused broadcast reported as success")
	}
}

func TestSendMessageEncodesBody(t *testing.T) {
	c, tr := newTestClient(Handlers{})

	authenticate(t, c, tr)

	c.SendMessage("callee", map[string]string{"peerAction": "offer"}, nil, nil)

	info := tr.lastRequest(t, "verto.info")

	msg, ok := info.Params["msg"].(map[string]any)
	if !ok {
		t.Fatalf("bad info params: %v", info.Params)
	}

	if msg["to"] != "callee" {
		t.Fatalf("bad recipient: %v", msg)
	}

	payload, err := base64.StdEncoding.DecodeString(msg["body"].(string))
	if err != nil {
		t.Fatal(err)
	}

	if string(payload) != `{"peerAction":"offer"}` {
		t.Fatalf("bad body: %q", payload)
	}
}

func TestNumericResponseIDMatches(t *testing.T) {
	// Some servers echo string request IDs back as numbers; the envelope
	// parser has to tolerate both.
	env := parseEnvelope([]byte(`{"jsonrpc":"2.0","id":42,"result":{}}`))
	if env == nil || string(env.ID) != "42" {
		t.Fatalf("bad numeric ID parse: %+v", env)
	}

	env = parseEnvelope([]byte(`{"jsonrpc":"2.0","id":"abc","result":{}}`))
	if env == nil || string(env.ID) != "abc" {
		t.Fatalf("bad string ID parse: %+v", env)
	}
}

func TestSessionBootstrapMintsAfterRejection(t *testing.T) {
	store := newFakeStore()

	var seen []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		seen = append(seen, sessionID)

		if len(seen) == 1 {
			// The server no longer knows the first session ID.
			w.WriteHeader(http.StatusNotFound)

			return
		}

		json.NewEncoder(w).Encode(SessionData{ClientID: "client-9", Password: "pw-9"})
	}))
	defer srv.Close()

	store.Set("channel-1", "sessionId", "stale-id")

	c := New(Config{
		ChannelID:  "channel-1",
		SessionURL: srv.URL,
	}, &fakeTransport{}, store, Handlers{})

	data, err := c.fetchSessionData()
	if err != nil {
		t.Fatal(err)
	}

	if len(seen) != 2 || seen[0] != "stale-id" {
		t.Fatalf("expected a retry after rejection, queries: %v", seen)
	}

	if seen[1] == "stale-id" {
		t.Fatal("retried with the rejected session ID")
	}

	if data.ClientID != "client-9" || data.Password != "pw-9" {
		t.Fatalf("bad session data: %+v", data)
	}

	if data.SessionID != seen[1] {
		t.Fatal("session ID not taken from the successful lookup")
	}

	if store.Get("channel-1", "sessionId") != seen[1] {
		t.Fatal("minted session ID not persisted")
	}
}
