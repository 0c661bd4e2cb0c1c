package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"swapkline/internal/broadcast"
	"swapkline/internal/ingest"
	"swapkline/internal/kline"
	"swapkline/internal/query"
	"swapkline/internal/registry"
	"swapkline/internal/store"
	"swapkline/pkg/swap"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testPair = kline.Pair{Token0: "meme", Token1: kline.NativeToken}

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Start(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockRunner) State() ingest.State {
	args := m.Called()
	return args.Get(0).(ingest.State)
}

type fixture struct {
	reg    *registry.Registry
	hub    *broadcast.Broadcaster
	store  *store.KlineStore
	runner *MockRunner
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New()
	reg.Add(swap.Pool{PoolID: 1, Token0: "meme"})
	ks := store.NewKlineStore(store.NewMemoryRepository())
	hub := broadcast.NewBroadcaster(16, zap.NewNop())
	intervals := []kline.Interval{kline.Interval1Min, kline.Interval5Min}

	runner := &MockRunner{}
	srv := New(query.NewService(reg, ks, intervals), hub, reg, runner, intervals, zap.NewNop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &fixture{reg: reg, hub: hub, store: ks, runner: runner, server: ts}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) serverMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var msg serverMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, ws *websocket.Conn, action, token0, token1, interval string) {
	t.Helper()
	data, err := json.Marshal(clientMessage{Action: action, Token0: token0, Token1: token1, Interval: interval})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func updated(start int64, price float64) kline.Mutation {
	return kline.Mutation{
		Kind: kline.BarUpdated, Pair: testPair, Interval: kline.Interval1Min,
		Bar: kline.Bar{Start: start, Open: price, High: price, Low: price, Close: price, Volume: 1, QuoteVolume: price, Trades: 1},
	}
}

// go test -v --run TestGetKlineRoute
func TestGetKlineRoute(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutClosedBar(context.Background(), testPair, kline.Interval1Min,
		kline.Bar{Start: 60, Open: 2, High: 2, Low: 2, Close: 2, Volume: 1, QuoteVolume: 2, Trades: 1}))

	res, err := http.Get(f.server.URL + "/kline/token0/meme/token1/native/start_at/0/end_at/120/interval/1m")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get(RequestIDHeaderKey))

	var body query.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "meme", body.Token0)
	assert.Equal(t, int64(120), body.EndAt)
	require.Len(t, body.Points, 1)
	assert.Equal(t, int64(60), body.Points[0].Start)
}

// go test -v --run TestGetKlineRouteBadRequest
func TestGetKlineRouteBadRequest(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{
		"/kline/token0/meme/token1/native/start_at/abc/end_at/120/interval/1m",
		"/kline/token0/meme/token1/native/start_at/0/end_at/120/interval/2d",
		"/kline/token0/meme/token1/native/start_at/200/end_at/120/interval/1m",
		"/kline/token0/meme/token1/native/start_at/0/end_at/120/interval/1m?include_open=maybe",
	} {
		res, err := http.Get(f.server.URL + path)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, path)
	}
}

// go test -v --run TestRunTicker
func TestRunTicker(t *testing.T) {
	f := newFixture(t)
	f.runner.On("Start", mock.Anything).Return(true, nil).Once()
	f.runner.On("Start", mock.Anything).Return(false, nil).Once()
	f.runner.On("State").Return(ingest.StateRunning)

	for _, want := range []string{"started", "already_running"} {
		res, err := http.Post(f.server.URL+"/run/ticker", "application/json", nil)
		require.NoError(t, err)

		var body map[string]string
		require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
		res.Body.Close()
		assert.Equal(t, want, body["status"])
	}

	res, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	var health map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	assert.Equal(t, "running", health["ingestion"])
	f.runner.AssertExpectations(t)
}

// go test -v --run TestWebSocketSubscribe
func TestWebSocketSubscribe(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	send(t, ws, "subscribe", "meme", kline.NativeToken, "5m")
	ack := readMessage(t, ws)
	assert.Equal(t, NotificationSubscribed, ack.Notification)
	assert.Equal(t, "5m", ack.Interval)

	fiveMin := updated(300, 2)
	fiveMin.Interval = kline.Interval5Min
	f.hub.Publish(testPair, kline.Interval1Min, updated(300, 3))
	f.hub.Publish(testPair, kline.Interval5Min, fiveMin)

	msg := readMessage(t, ws)
	assert.Equal(t, string(kline.BarUpdated), msg.Notification)
	assert.Equal(t, "5m", msg.Interval)
	require.NotNil(t, msg.Point)
	assert.Equal(t, int64(300), msg.Point.Start)
	assert.Equal(t, 2.0, msg.Point.Close)

	// Nothing else is delivered.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

// go test -v --run TestWebSocketReversedSubscription
func TestWebSocketReversedSubscription(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	send(t, ws, "subscribe", kline.NativeToken, "meme", "1m")
	require.Equal(t, NotificationSubscribed, readMessage(t, ws).Notification)

	f.hub.Publish(testPair, kline.Interval1Min, updated(60, 4))
	msg := readMessage(t, ws)
	assert.Equal(t, kline.NativeToken, msg.Token0)
	assert.Equal(t, "meme", msg.Token1)
	require.NotNil(t, msg.Point)
	assert.Equal(t, 0.25, msg.Point.Close)
	assert.Equal(t, 4.0, msg.Point.Volume)
}

// go test -v --run TestWebSocketSubscribeBeforePoolIsKnown
func TestWebSocketSubscribeBeforePoolIsKnown(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	send(t, ws, "subscribe", kline.NativeToken, "fresh", "1m")
	require.Equal(t, NotificationSubscribed, readMessage(t, ws).Notification)

	// The pool shows up in the opposite orientation.
	f.reg.Add(swap.Pool{PoolID: 2, Token0: "fresh"})
	canonical := kline.Pair{Token0: "fresh", Token1: kline.NativeToken}
	m := updated(60, 4)
	m.Pair = canonical
	f.hub.Publish(canonical, kline.Interval1Min, m)

	msg := readMessage(t, ws)
	assert.Equal(t, kline.NativeToken, msg.Token0)
	assert.Equal(t, "fresh", msg.Token1)
	require.NotNil(t, msg.Point)
	assert.Equal(t, 0.25, msg.Point.Close)

	send(t, ws, "unsubscribe", kline.NativeToken, "fresh", "1m")
	require.Equal(t, NotificationUnsubscribed, readMessage(t, ws).Notification)
	require.Eventually(t, func() bool {
		return f.hub.Subscribers(canonical, kline.Interval1Min) == 0 &&
			f.hub.Subscribers(canonical.Reverse(), kline.Interval1Min) == 0
	}, time.Second, 10*time.Millisecond)
}

// go test -v --run TestWebSocketUnsubscribeAndErrors
func TestWebSocketUnsubscribeAndErrors(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"action":"dance"}`)))
	assert.Equal(t, NotificationError, readMessage(t, ws).Notification)

	send(t, ws, "subscribe", "meme", kline.NativeToken, "1h")
	assert.Equal(t, NotificationError, readMessage(t, ws).Notification)

	send(t, ws, "subscribe", "meme", kline.NativeToken, "1m")
	require.Equal(t, NotificationSubscribed, readMessage(t, ws).Notification)
	send(t, ws, "unsubscribe", "meme", kline.NativeToken, "1m")
	require.Equal(t, NotificationUnsubscribed, readMessage(t, ws).Notification)

	require.Eventually(t, func() bool {
		return f.hub.Subscribers(testPair, kline.Interval1Min) == 0
	}, time.Second, 10*time.Millisecond)
}

// go test -v --run TestWebSocketDisconnectCleansUp
func TestWebSocketDisconnectCleansUp(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	send(t, ws, "subscribe", "meme", kline.NativeToken, "1m")
	require.Equal(t, NotificationSubscribed, readMessage(t, ws).Notification)
	require.Equal(t, 1, f.hub.Connections())

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return f.hub.Connections() == 0 && f.hub.Subscribers(testPair, kline.Interval1Min) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
