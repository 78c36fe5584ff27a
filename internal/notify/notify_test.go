package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyndor1548/storefront-payments/internal/logging"
)

func event(txID, status string) Event {
	return Event{
		Type:          EventStatusChanged,
		TransactionID: txID,
		StoreID:       "store-1",
		Status:        status,
		Amount:        5000,
		Currency:      "XOF",
		At:            time.Unix(1_700_000_000, 0).UTC(),
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestDetachedNeverBlocksOrFails(t *testing.T) {
	out := &syncBuffer{}
	logger := logging.NewStructuredLogger(logging.LogLevelDebug, false, out)

	release := make(chan struct{})
	slow := Func(func(ctx context.Context, ev Event) error {
		<-release
		return errors.New("smtp unavailable")
	})
	d := NewDetached(slow, logger, time.Second)

	done := make(chan error, 1)
	go func() { done <- d.Notify(context.Background(), event("t1", "completed")) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on the underlying notifier")
	}

	close(release)
	d.Close()
	assert.Contains(t, out.String(), "Notification delivery failed")
	assert.Contains(t, out.String(), "smtp unavailable")
}

func TestDetachedRecoversPanics(t *testing.T) {
	out := &syncBuffer{}
	d := NewDetached(Func(func(context.Context, Event) error { panic("boom") }), logging.NewStructuredLogger(logging.LogLevelInfo, false, out), time.Second)

	require.NoError(t, d.Notify(context.Background(), event("t1", "failed")))
	d.Close()
	assert.Contains(t, out.String(), "notifier panic: boom")
}

func TestDetachedOutlivesCallerContext(t *testing.T) {
	got := make(chan error, 1)
	d := NewDetached(Func(func(ctx context.Context, _ Event) error {
		got <- ctx.Err()
		return nil
	}), logging.Discard(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Notify(ctx, event("t1", "completed")))
	d.Close()
	assert.NoError(t, <-got)
}

func TestFanoutJoinsErrors(t *testing.T) {
	var calls []string
	ok := Func(func(context.Context, Event) error { calls = append(calls, "ok"); return nil })
	bad := Func(func(context.Context, Event) error { calls = append(calls, "bad"); return errors.New("down") })

	err := Fanout{ok, nil, bad, Nop{}}.Notify(context.Background(), event("t1", "completed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Equal(t, []string{"ok", "bad"}, calls)
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{}, f.err
}

func TestSQSPublisher(t *testing.T) {
	client := &fakeSQS{}
	p := NewSQSPublisher(client, "https://sqs.test/queue")

	require.NoError(t, p.Notify(context.Background(), event("t1", "refunded")))
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "https://sqs.test/queue", *in.QueueUrl)
	assert.Equal(t, EventStatusChanged, *in.MessageAttributes["event_type"].StringValue)
	assert.Equal(t, "store-1", *in.MessageAttributes["store_id"].StringValue)

	var body Event
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &body))
	assert.Equal(t, "refunded", body.Status)

	client.err = errors.New("throttled")
	assert.ErrorContains(t, p.Notify(context.Background(), event("t1", "refunded")), "throttled")
}

func dial(t *testing.T, srv *httptest.Server, txID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?transaction_id=" + txID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubPushesLiveAndReplaysLast(t *testing.T) {
	hub := NewHub(nil, logging.Discard())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	require.NoError(t, hub.Notify(context.Background(), event("t1", "processing")))

	conn := dial(t, srv, "t1")
	assert.Equal(t, "processing", readEvent(t, conn).Status)

	require.Eventually(t, func() bool { return hub.Subscribers("t1") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Notify(context.Background(), event("t1", "completed")))
	assert.Equal(t, "completed", readEvent(t, conn).Status)
}

func TestHubReplaysFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	first := NewHub(rdb, logging.Discard())
	require.NoError(t, first.Notify(context.Background(), event("t2", "failed")))
	assert.True(t, mr.Exists(lastEventKey("t2")))

	second := NewHub(rdb, logging.Discard())
	srv := httptest.NewServer(second)
	defer srv.Close()
	defer second.Close()

	conn := dial(t, srv, "t2")
	assert.Equal(t, "failed", readEvent(t, conn).Status)
}

func TestHubRequiresTransactionID(t *testing.T) {
	hub := NewHub(nil, logging.Discard())
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, 400, rec.Code)
}
