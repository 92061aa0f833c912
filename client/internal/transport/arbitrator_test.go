package transport

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/client/internal/model"
	"roomcast/client/internal/request"
)

// fakeBackend 同时扮演推流端和轮询端。
type fakeBackend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn

	mu        sync.Mutex
	pollHits  map[string]int
	lastQuery map[string]string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		conns:     make(chan *websocket.Conn, 4),
		pollHits:  make(map[string]int),
		lastQuery: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/push", func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- conn
	})
	mux.HandleFunc("/api/rooms/poll/", func(w http.ResponseWriter, r *http.Request) {
		ch := strings.TrimPrefix(r.URL.Path, "/api/rooms/poll/")
		b.mu.Lock()
		b.pollHits[ch]++
		b.lastQuery[ch] = r.URL.RawQuery
		b.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.srv.Close()
	})
	return b
}

func (b *fakeBackend) pushURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/push"
}

func (b *fakeBackend) hits(ch string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pollHits[ch]
}

func (b *fakeBackend) totalHits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.pollHits {
		total += n
	}
	return total
}

func (b *fakeBackend) acceptConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-b.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push connection")
		return nil
	}
}

type collector struct {
	mu  sync.Mutex
	got map[model.Channel]int
}

func newCollector() *collector {
	return &collector{got: make(map[model.Channel]int)}
}

func (c *collector) dispatch(ch model.Channel, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got[ch]++
}

func (c *collector) count(ch model.Channel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.got[ch]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newArbitrator(t *testing.T, b *fakeBackend, cfg Config, dispatch Dispatch, onFatal func(error)) *Arbitrator {
	t.Helper()
	if cfg.RoomID == "" {
		cfg.RoomID = "r1"
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Hour
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 10
	}
	if cfg.MaxConsecErrors == 0 {
		cfg.MaxConsecErrors = 5
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 20 * time.Millisecond
	}
	mgr := request.New(b.srv.URL, 16, 2*time.Second, log.Default())
	t.Cleanup(mgr.Close)
	arb := New(cfg, mgr, dispatch, onFatal, log.Default())
	t.Cleanup(func() { arb.Close() })
	return arb
}

func writeEvent(t *testing.T, conn *websocket.Conn, ev any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ev))
}

func TestArbitrator_ReconnectSequenceNoErrorIncrement(t *testing.T) {
	b := newFakeBackend(t)
	col := newCollector()
	arb := newArbitrator(t, b, Config{PushEnabled: true, PushURL: b.pushURL()}, col.dispatch, nil)
	arb.Start()

	conn1 := b.acceptConn(t)
	waitFor(t, func() bool { return arb.State() == StateConnected }, "never connected")

	writeEvent(t, conn1, map[string]any{"type": "reconnect"})

	// 固定延迟后重新建连
	conn2 := b.acceptConn(t)
	defer conn2.Close()
	waitFor(t, func() bool { return arb.State() == StateConnected }, "never reconnected")

	// 服务端指令重连不计入连续失败
	assert.Equal(t, 0, arb.ConsecutiveErrors())
}

func TestArbitrator_ConsecutiveErrorEscalation(t *testing.T) {
	// 只有轮询端点的后端：websocket握手永远失败
	b := newFakeBackend(t)

	var mu sync.Mutex
	var fatals []error
	onFatal := func(err error) {
		mu.Lock()
		fatals = append(fatals, err)
		mu.Unlock()
	}

	arb := newArbitrator(t, b, Config{
		PushEnabled:     true,
		PushURL:         "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/nowhere",
		ReconnectDelay:  10 * time.Millisecond,
		MaxConsecErrors: 3,
	}, newCollector().dispatch, onFatal)
	arb.Start()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fatals) > 0
	}, "fatal escalation never fired")

	assert.GreaterOrEqual(t, arb.ConsecutiveErrors(), 3)

	// 升级后不再重试，也不会重复升级
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Len(t, fatals, 1)
	mu.Unlock()
	assert.Equal(t, StateDisconnected, arb.State())
}

func TestArbitrator_RoomDataFansOutOnlyPushChannels(t *testing.T) {
	b := newFakeBackend(t)
	col := newCollector()
	arb := newArbitrator(t, b, Config{PushEnabled: true, PushURL: b.pushURL()}, col.dispatch, nil)
	arb.Start()

	conn := b.acceptConn(t)
	defer conn.Close()
	waitFor(t, func() bool { return arb.State() == StateConnected }, "never connected")

	// users 切到轮询供数：推流来的 users 负载必须被忽略
	arb.SetChannelPush(model.ChannelUsers, false)

	writeEvent(t, conn, map[string]any{
		"type": "room_data",
		"channels": map[string]any{
			"messages": map[string]any{"messages": []any{}, "offset": 0, "total": 0},
			"users":    map[string]any{"users": []any{}},
		},
	})

	waitFor(t, func() bool { return col.count(model.ChannelMessages) == 1 }, "messages never dispatched")
	assert.Equal(t, 0, col.count(model.ChannelUsers))
}

func TestArbitrator_UnknownEventTypeIsNoOp(t *testing.T) {
	b := newFakeBackend(t)
	col := newCollector()
	arb := newArbitrator(t, b, Config{PushEnabled: true, PushURL: b.pushURL()}, col.dispatch, nil)
	arb.Start()

	conn := b.acceptConn(t)
	defer conn.Close()
	waitFor(t, func() bool { return arb.State() == StateConnected }, "never connected")

	// 未知类型不中断读取循环，后续事件照常处理
	writeEvent(t, conn, map[string]any{"type": "mystery_future_event"})
	writeEvent(t, conn, map[string]any{
		"type":     "room_data",
		"channels": map[string]any{"mentions": map[string]any{"messages": []any{}}},
	})

	waitFor(t, func() bool { return col.count(model.ChannelMentions) == 1 }, "event loop broke on unknown type")
	assert.Equal(t, 0, arb.ConsecutiveErrors())
}

func TestArbitrator_PollBatchCoversAllChannelsWhenPushDisabled(t *testing.T) {
	b := newFakeBackend(t)
	col := newCollector()
	arb := newArbitrator(t, b, Config{
		PushEnabled:  false,
		PollInterval: 25 * time.Millisecond,
	}, col.dispatch, nil)
	arb.Start()

	waitFor(t, func() bool {
		for _, ch := range model.AllChannels() {
			if b.hits(string(ch)) == 0 {
				return false
			}
		}
		return true
	}, "poll batch never covered all channels")

	// 消息通道带分页参数
	b.mu.Lock()
	q := b.lastQuery["messages"]
	b.mu.Unlock()
	assert.Contains(t, q, "offset=0")
	assert.Contains(t, q, "limit=10")

	waitFor(t, func() bool { return col.count(model.ChannelMessages) > 0 }, "poll result never dispatched")
}

func TestArbitrator_SingleSourceInvariant(t *testing.T) {
	b := newFakeBackend(t)
	col := newCollector()
	arb := newArbitrator(t, b, Config{
		PushEnabled:  true,
		PushURL:      b.pushURL(),
		PollInterval: 20 * time.Millisecond,
	}, col.dispatch, nil)
	arb.Start()

	conn := b.acceptConn(t)
	defer conn.Close()
	waitFor(t, func() bool { return arb.State() == StateConnected }, "never connected")

	// 推流在线且全部通道 push-enabled：轮询一个都不该打
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 0, b.totalHits())

	// 单独把 messages 切到轮询：只有它被拉取
	arb.SetChannelPush(model.ChannelMessages, false)
	waitFor(t, func() bool { return b.hits("messages") > 0 }, "poll never picked up messages")

	b.mu.Lock()
	for ch, n := range b.pollHits {
		if ch != "messages" {
			assert.Zero(t, n, "channel %s polled while push-served", ch)
		}
	}
	b.mu.Unlock()
}

func TestArbitrator_CloseStopsEverything(t *testing.T) {
	b := newFakeBackend(t)
	arb := newArbitrator(t, b, Config{
		PushEnabled:  true,
		PushURL:      b.pushURL(),
		PollInterval: 20 * time.Millisecond,
	}, newCollector().dispatch, nil)
	arb.Start()

	conn := b.acceptConn(t)
	defer conn.Close()
	waitFor(t, func() bool { return arb.State() == StateConnected }, "never connected")

	require.NoError(t, arb.Close())
	require.NoError(t, arb.Close()) // 幂等

	hits := b.totalHits()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, hits, b.totalHits(), "poll loop kept running after Close")

	select {
	case <-b.conns:
		t.Fatal("unexpected reconnect after Close")
	default:
	}
}

func TestArbitrator_CloseDuringDialDoesNotHang(t *testing.T) {
	b := newFakeBackend(t)

	// Close 和拨号完成赛跑：不论 Close 落在握手前后的哪个间隙，
	// 新连接都必须被收走或丢弃，Close 按时返回
	for i := 0; i < 20; i++ {
		arb := newArbitrator(t, b, Config{PushEnabled: true, PushURL: b.pushURL()}, newCollector().dispatch, nil)
		arb.Start()

		conn := b.acceptConn(t)

		done := make(chan error, 1)
		go func() { done <- arb.Close() }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Close hung while a dial was completing")
		}
		conn.Close()

		assert.Equal(t, StateDisconnected, arb.State())
	}
}
