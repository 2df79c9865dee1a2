package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/logger"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in       chan []byte
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, errors.New("EOF")
		}
		return websocket.TextMessage, data, nil
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) frames(t *testing.T) []models.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Envelope, 0, len(c.written))
	for _, w := range c.written {
		var env models.Envelope
		require.NoError(t, json.Unmarshal(w, &env))
		out = append(out, env)
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	dials int
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errRefused
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []models.DMMessage
}

func (s *recordingSink) Persist(_ context.Context, msg models.DMMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func newClient(d Dialer, sink Sink) *Client {
	return New(Options{
		URL:         "ws://relay.test/ws",
		UserID:      "u1",
		BaseDelay:   time.Millisecond,
		MaxAttempts: 5,
	}, d, sink, logger.Nop())
}

func connected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, c.IsConnected, time.Second, time.Millisecond)
}

func frame(t *testing.T, kind string, payload any) []byte {
	t.Helper()
	data, err := encode(kind, payload)
	require.NoError(t, err)
	return data
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{fail: true}
	c := newClient(d, &recordingSink{})
	defer c.Close()

	c.Connect()
	require.Eventually(t, func() bool { return c.State() == GivenUp }, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 5, d.count(), "no dial after giving up")

	d.setFail(false)
	c.Reconnect()
	connected(t, c)
	assert.Equal(t, 6, d.count())
}

func TestConnect_Idempotent(t *testing.T) {
	d := &fakeDialer{}
	c := newClient(d, &recordingSink{})
	defer c.Close()

	c.Connect()
	connected(t, c)
	c.Connect()
	c.Connect()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, d.count())
}

func TestConnect_NoOpWhenGivenUp(t *testing.T) {
	d := &fakeDialer{fail: true}
	c := newClient(d, &recordingSink{})
	defer c.Close()

	c.Connect()
	require.Eventually(t, func() bool { return c.State() == GivenUp }, time.Second, time.Millisecond)
	c.Connect()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, GivenUp, c.State())
	assert.Equal(t, 5, d.count())
}

func TestReconnect_AfterDrop(t *testing.T) {
	d := &fakeDialer{}
	c := newClient(d, &recordingSink{})
	defer c.Close()

	var mu sync.Mutex
	var seen []State
	c.OnConnection(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	c.Connect()
	connected(t, c)
	close(d.last().in)

	require.Eventually(t, func() bool { return d.count() == 2 && c.IsConnected() }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		ups := 0
		for _, s := range seen {
			if s == Connected {
				ups++
			}
		}
		return ups == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, Disconnected)
}

func TestClose_StopsRetries(t *testing.T) {
	d := &fakeDialer{fail: true}
	c := New(Options{URL: "ws://x", BaseDelay: 20 * time.Millisecond, MaxAttempts: 5}, d, &recordingSink{}, logger.Nop())

	c.Connect()
	require.Eventually(t, func() bool { return d.count() >= 1 }, time.Second, time.Millisecond)
	c.Close()

	n := d.count()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, n, d.count())
	assert.Equal(t, Disconnected, c.State())

	c.Reconnect()
	c.Connect()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, d.count(), "closed client does not dial")
}

func TestSend_OfflineGoesToSink(t *testing.T) {
	d := &fakeDialer{}
	sink := &recordingSink{}
	c := newClient(d, sink)
	defer c.Close()

	msg := models.DMMessage{ID: "temp_1_1", ConversationID: "c1", SenderID: "u1", Content: "hi", Kind: models.KindText}
	require.NoError(t, c.Send(context.Background(), msg))

	require.Equal(t, 1, sink.len())
	assert.Equal(t, msg.ID, sink.msgs[0].ID)
	assert.Equal(t, 0, d.count())
}

func TestSend_ConnectedWritesEnvelope(t *testing.T) {
	d := &fakeDialer{}
	sink := &recordingSink{}
	c := newClient(d, sink)
	defer c.Close()

	c.Connect()
	connected(t, c)

	msg := models.DMMessage{ID: "temp_1_2", ConversationID: "c1", SenderID: "u1", Content: "hello", Kind: models.KindText}
	require.NoError(t, c.Send(context.Background(), msg))

	frames := d.last().frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, models.EnvelopeMessage, frames[0].Type)

	var got models.DMMessage
	require.NoError(t, json.Unmarshal(frames[0].Payload, &got))
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, 0, sink.len())
}

func TestSend_WriteFailureFallsBackToSink(t *testing.T) {
	d := &fakeDialer{}
	sink := &recordingSink{}
	c := newClient(d, sink)
	defer c.Close()

	c.Connect()
	connected(t, c)
	conn := d.last()
	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	msg := models.DMMessage{ID: "temp_1_3", ConversationID: "c1", SenderID: "u1", Content: "x", Kind: models.KindText}
	assert.NoError(t, c.Send(context.Background(), msg))
	assert.Equal(t, 1, sink.len())
}

func TestSendTyping(t *testing.T) {
	d := &fakeDialer{}
	c := newClient(d, &recordingSink{})
	defer c.Close()

	// offline: silently dropped
	c.SendTyping("c1", true, "Ana")

	c.Connect()
	connected(t, c)
	c.SendTyping("c1", true, "Ana")

	frames := d.last().frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, models.EnvelopeTyping, frames[0].Type)

	var ti models.TypingIndicator
	require.NoError(t, json.Unmarshal(frames[0].Payload, &ti))
	assert.Equal(t, models.TypingIndicator{UserID: "u1", ConversationID: "c1", IsTyping: true, UserName: "Ana"}, ti)
}

func TestDispatch_DropsMalformedAndContainsPanics(t *testing.T) {
	d := &fakeDialer{}
	c := newClient(d, &recordingSink{})
	defer c.Close()

	got := make(chan models.DMMessage, 4)
	typing := make(chan models.TypingIndicator, 4)
	c.OnMessage(func(models.DMMessage) { panic("bad observer") })
	c.OnMessage(func(m models.DMMessage) { got <- m })
	c.OnTyping(func(ti models.TypingIndicator) { typing <- ti })

	c.Connect()
	connected(t, c)
	conn := d.last()

	conn.in <- []byte("{not json")
	conn.in <- frame(t, models.EnvelopeMessage, map[string]string{"content": "no id"})
	conn.in <- frame(t, "presence", map[string]string{"user_id": "u2"})
	conn.in <- frame(t, models.EnvelopeMessage, models.DMMessage{ID: "m1", ConversationID: "c1", Content: "ok"})
	conn.in <- frame(t, models.EnvelopeTyping, models.TypingIndicator{UserID: "u2", ConversationID: "c1", IsTyping: true})

	select {
	case m := <-got:
		assert.Equal(t, "m1", m.ID)
	case <-time.After(time.Second):
		t.Fatal("valid message not delivered")
	}
	select {
	case ti := <-typing:
		assert.Equal(t, "u2", ti.UserID)
	case <-time.After(time.Second):
		t.Fatal("typing not delivered")
	}
	assert.Empty(t, got)
	assert.True(t, c.IsConnected())
}

func TestObserver_UnsubscribeDuringDispatch(t *testing.T) {
	d := &fakeDialer{}
	c := newClient(d, &recordingSink{})
	defer c.Close()

	var mu sync.Mutex
	calls := 0
	var unsub func()
	unsub = c.OnMessage(func(models.DMMessage) {
		mu.Lock()
		calls++
		mu.Unlock()
		unsub()
	})
	after := make(chan string, 4)
	c.OnMessage(func(m models.DMMessage) { after <- m.ID })

	c.Connect()
	connected(t, c)
	conn := d.last()
	conn.in <- frame(t, models.EnvelopeMessage, models.DMMessage{ID: "m1", ConversationID: "c1"})
	conn.in <- frame(t, models.EnvelopeMessage, models.DMMessage{ID: "m2", ConversationID: "c1"})

	for _, want := range []string{"m1", "m2"} {
		select {
		case id := <-after:
			assert.Equal(t, want, id)
		case <-time.After(time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestWebsocketDialer_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Options{URL: url, UserID: "u1", BaseDelay: 10 * time.Millisecond}, WebsocketDialer{}, &recordingSink{}, logger.Nop())
	defer c.Close()

	echoed := make(chan models.DMMessage, 1)
	c.OnMessage(func(m models.DMMessage) { echoed <- m })

	c.Connect()
	connected(t, c)
	require.NoError(t, c.Send(context.Background(), models.DMMessage{ID: "m1", ConversationID: "c1", Content: "echo"}))

	select {
	case m := <-echoed:
		assert.Equal(t, "echo", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}
