package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/client/internal/config"
	"roomcast/client/internal/model"
)

type stubView struct {
	mu     sync.Mutex
	height int
	last   []model.Message
}

func (v *stubView) Render(msgs []model.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.last = msgs
	v.height = len(msgs) * 20
}
func (v *stubView) AtBottom() bool { return true }
func (v *stubView) PinBottom()     {}
func (v *stubView) ContentHeight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.height
}
func (v *stubView) ScrollTop() int     { return 0 }
func (v *stubView) SetScrollTop(n int) {}

type stubPlayer struct{}

func (p *stubPlayer) Load(videoID string, at float64) {}
func (p *stubPlayer) Seek(seconds float64)            {}
func (p *stubPlayer) Play()                           {}
func (p *stubPlayer) Pause()                          {}
func (p *stubPlayer) Stop()                           {}
func (p *stubPlayer) Position() float64               { return 0 }
func (p *stubPlayer) Current() string                 { return "" }

// pollBackend 只实现轮询端点，按通道回放预置快照。
type pollBackend struct {
	srv *httptest.Server

	mu   sync.Mutex
	hits map[string]int
	body map[string]string
}

func newPollBackend(t *testing.T) *pollBackend {
	t.Helper()
	b := &pollBackend{hits: make(map[string]int), body: make(map[string]string)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch := strings.TrimPrefix(r.URL.Path, "/api/rooms/poll/")
		b.mu.Lock()
		b.hits[ch]++
		resp, ok := b.body[ch]
		b.mu.Unlock()
		if !ok {
			resp = `{}`
		}
		w.Write([]byte(resp))
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *pollBackend) set(ch string, v any) {
	raw, _ := json.Marshal(v)
	b.mu.Lock()
	b.body[ch] = string(raw)
	b.mu.Unlock()
}

func (b *pollBackend) totalHits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.hits {
		n += c
	}
	return n
}

func testConfig(baseURL string) *config.Config {
	cfg := &config.Config{}
	cfg.Server.BaseURL = baseURL
	cfg.Room.ID = "r1"
	cfg.Push.Enabled = false
	cfg.Poll.Interval = 25 * time.Millisecond
	cfg.Poll.Timeout = 2 * time.Second
	cfg.Poll.PageSize = 10
	cfg.Playback.Interval = time.Hour // 快照经由通道分发驱动，独立拉取循环在测试里静默
	cfg.Playback.DriftTolerance = 3 * time.Second
	cfg.Playback.AdvanceDelay = time.Second
	cfg.Requests.MaxInflight = 8
	cfg.Push.HandshakeTimeout = time.Second
	cfg.Push.PingInterval = time.Hour
	cfg.Push.ReconnectDelay = 10 * time.Millisecond
	cfg.Push.MaxConsecErrors = 5
	cfg.Server.Timeout = 2 * time.Second
	return cfg
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

func TestSession_DispatchRoutesToEngines(t *testing.T) {
	b := newPollBackend(t)
	b.set("messages", model.MessagesSnapshot{
		Messages: []model.Message{{ID: 1, Body: "hi"}, {ID: 2, Body: "yo"}},
		Offset:   0,
		Total:    2,
	})
	b.set("shared_media", model.MediaSnapshot{
		State: model.PlaybackState{SyncToken: "t1", VideoID: "v1", IsPlaying: true},
	})
	b.set("users", model.UsersSnapshot{
		Users: []model.User{{ID: "u2", Username: "zoe"}, {ID: "u1", Username: "amy", IsHost: true}},
	})

	var notifyMu sync.Mutex
	notified := make(map[model.Channel]int)

	s := New(testConfig(b.srv.URL), Options{
		Self:   "u9",
		View:   &stubView{},
		Player: &stubPlayer{},
		Notify: func(ch model.Channel) {
			notifyMu.Lock()
			notified[ch]++
			notifyMu.Unlock()
		},
	})
	s.Start()
	t.Cleanup(s.Close)

	waitFor(t, func() bool { return len(s.Pager.Messages()) == 2 }, "messages never reached pager")
	waitFor(t, func() bool { return s.Playback.LastToken() == "t1" }, "media snapshot never reached synchronizer")
	waitFor(t, func() bool {
		users := s.State.UsersCopy()
		return len(users) == 2 && users[0].IsHost
	}, "users never reduced (host-first)")

	notifyMu.Lock()
	assert.Greater(t, notified[model.ChannelMessages], 0)
	notifyMu.Unlock()
}

func TestSession_MalformedChannelFailsClosedAlone(t *testing.T) {
	b := newPollBackend(t)
	b.mu.Lock()
	b.body["users"] = `{"users": "not-an-array"}`
	b.mu.Unlock()
	b.set("messages", model.MessagesSnapshot{
		Messages: []model.Message{{ID: 5, Body: "still here"}},
		Total:    1,
	})

	s := New(testConfig(b.srv.URL), Options{
		Self: "u9", View: &stubView{}, Player: &stubPlayer{},
	})
	s.Start()
	t.Cleanup(s.Close)

	// users 坏负载：users 状态保持为空，messages 照常进来
	waitFor(t, func() bool { return len(s.Pager.Messages()) == 1 }, "good channel blocked by bad one")
	assert.Empty(t, s.State.UsersCopy())
}

func TestSession_LoadOlderDeferredWhileLiveRefreshInFlight(t *testing.T) {
	mkMsgs := func(lo, hi int64) []model.Message {
		out := make([]model.Message, 0, hi-lo+1)
		for id := lo; id <= hi; id++ {
			out = append(out, model.Message{ID: id, Body: "m"})
		}
		return out
	}

	var (
		mu        sync.Mutex
		liveSeen  int
		olderHits int
	)
	liveHeld := make(chan struct{}, 1)
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.URL.Path, "/api/rooms/poll/") != "messages" {
			w.Write([]byte(`{}`))
			return
		}
		if r.URL.Query().Get("offset") != "0" {
			// 翻页请求
			mu.Lock()
			olderHits++
			mu.Unlock()
			raw, _ := json.Marshal(model.MessagesSnapshot{
				Messages: mkMsgs(1, 2), Offset: 10, Total: 12,
			})
			w.Write(raw)
			return
		}
		// 实时刷新：第二次起挂住，直到测试放行
		mu.Lock()
		liveSeen++
		n := liveSeen
		mu.Unlock()
		if n > 1 {
			select {
			case liveHeld <- struct{}{}:
			default:
			}
			<-release
		}
		raw, _ := json.Marshal(model.MessagesSnapshot{
			Messages: mkMsgs(3, 12), Offset: 0, Total: 12,
		})
		w.Write(raw)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	s := New(testConfig(srv.URL), Options{
		Self: "u9", View: &stubView{}, Player: &stubPlayer{},
	})
	s.Start()
	t.Cleanup(s.Close)

	waitFor(t, func() bool { return len(s.Pager.Messages()) == 10 }, "first live load never landed")

	select {
	case <-liveHeld:
	case <-time.After(3 * time.Second):
		t.Fatal("second live refresh never reached the server")
	}

	// 实时刷新在途：翻页立即返回且不打网络
	require.NoError(t, s.Pager.LoadOlder(context.Background()))
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, olderHits, "load-older reached the network while live refresh was in flight")
	mu.Unlock()

	// 放行实时刷新：被推迟的翻页自动补发
	close(release)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return olderHits == 1
	}, "deferred load-older was dropped")
	waitFor(t, func() bool { return len(s.Pager.Messages()) == 12 }, "older page never merged")
}

func TestSession_CloseStopsAllTimers(t *testing.T) {
	b := newPollBackend(t)
	s := New(testConfig(b.srv.URL), Options{
		Self: "u9", View: &stubView{}, Player: &stubPlayer{},
	})
	s.Start()

	waitFor(t, func() bool { return b.totalHits() > 0 }, "poll never started")

	s.Close()
	s.Close() // 幂等

	// Close 返回后不允许再有任何网络活动
	settled := b.totalHits()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, settled, b.totalHits(), "a timer survived teardown")
}
