package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"

	"roomcast/client/internal/actions"
	"roomcast/client/internal/channel"
	"roomcast/client/internal/config"
	"roomcast/client/internal/model"
	"roomcast/client/internal/pagination"
	"roomcast/client/internal/playback"
	"roomcast/client/internal/request"
	"roomcast/client/internal/transport"
)

// Options 由嵌入方（展示层）注入的协作对象。
type Options struct {
	Self   string // 当前用户 id
	Host   bool   // 本端是否是房间 host
	View   pagination.Viewport
	Player playback.Player

	// Notify 每次某通道状态更新后回调，展示层据此重渲染。可为 nil。
	Notify channel.Notify
	// OnFatal 会话级致命错误（推流连续失败、成员资格丢失）。可为 nil。
	OnFatal func(error)

	Logger *log.Logger
}

// Session 一次进房的完整同步引擎。
// 会话级对象：进房构建、退房丢弃，所有组件的生命周期都归它管。
// Close 之后保证没有任何定时器或协程存活。
type Session struct {
	cfg    *config.Config
	opts   Options
	logger *log.Logger
	notify channel.Notify

	Requests  *request.Manager
	Actions   *actions.Client
	State     *channel.State
	Reducers  *channel.Reducers
	Pager     *pagination.Pager
	Playback  *playback.Synchronizer
	Transport *transport.Arbitrator

	closeOnce sync.Once
}

// New 组装整个引擎。此时尚未发起任何网络活动，Start 才会。
func New(cfg *config.Config, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Session{cfg: cfg, opts: opts, logger: logger}

	notify := opts.Notify
	if notify == nil {
		notify = func(model.Channel) {}
	}

	s.Requests = request.New(cfg.Server.BaseURL, cfg.Requests.MaxInflight, cfg.Server.Timeout, logger)
	s.Actions = actions.NewClient(s.Requests, cfg.Room.ID, logger)
	s.State = channel.NewState(opts.Self)
	s.Reducers = channel.NewReducers(s.State, notify, logger)
	s.Pager = pagination.New(opts.View, s.fetchOlder, cfg.Poll.PageSize, logger)

	s.Playback = playback.New(playback.Config{
		Host:           opts.Host,
		Interval:       cfg.Playback.Interval,
		DriftTolerance: cfg.Playback.DriftTolerance,
		AdvanceDelay:   cfg.Playback.AdvanceDelay,
	}, opts.Player, s.Actions, logger)

	s.Transport = transport.New(transport.Config{
		RoomID:           cfg.Room.ID,
		PushEnabled:      cfg.Push.Enabled,
		PushURL:          cfg.Push.URL,
		HandshakeTimeout: cfg.Push.HandshakeTimeout,
		PingInterval:     cfg.Push.PingInterval,
		ReconnectDelay:   cfg.Push.ReconnectDelay,
		MaxConsecErrors:  cfg.Push.MaxConsecErrors,
		PollInterval:     cfg.Poll.Interval,
		PollTimeout:      cfg.Poll.Timeout,
		PageSize:         cfg.Poll.PageSize,
	}, s.Requests, s.dispatch, opts.OnFatal, logger)

	// 消息实时刷新在途期间，翻页请求要推迟而不是并发打出去
	s.Transport.SetPollHook(func(ch model.Channel, inFlight bool) {
		if ch == model.ChannelMessages {
			s.Pager.SetLiveInFlight(inFlight)
		}
	})

	s.notify = notify
	return s
}

// Start 进房启动：推流连接（启用时）与两个共享定时循环。
func (s *Session) Start() {
	s.logger.Printf("[Session] entering room %s as self=%s host=%v",
		s.cfg.Room.ID, s.opts.Self, s.opts.Host)
	s.Transport.Start()
	s.Playback.Start()
}

// dispatch 仲裁器的分发出口：messages 与 shared_media 有专属归并引擎，
// 其余通道走通用 reducer。这里统一做 fail closed：单个通道负载
// 解码失败只丢弃该次更新，不影响别的通道。
func (s *Session) dispatch(ch model.Channel, payload json.RawMessage) {
	switch ch {
	case model.ChannelMessages:
		var snap model.MessagesSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			s.logger.Printf("[Session] ⚠️  drop malformed messages payload: %v", err)
			return
		}
		s.Pager.ApplyLive(snap)
		s.notify(ch)

	case model.ChannelSharedMedia:
		var snap model.MediaSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			s.logger.Printf("[Session] ⚠️  drop malformed shared_media payload: %v", err)
			return
		}
		s.Playback.ApplySnapshot(snap)
		s.notify(ch)

	default:
		// 失败已在 reducer 内记录，这里无需重复处理
		_ = s.Reducers.Apply(ch, payload)
	}
}

// fetchOlder 分页引擎的取数回调。去重 key 带上 offset：
// 不同页可以并行，同一页的重复触发被合并。
func (s *Session) fetchOlder(ctx context.Context, offset, limit int) (model.MessagesSnapshot, error) {
	q := url.Values{}
	q.Set("room_id", s.cfg.Room.ID)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	p, err := s.Requests.Do(request.Spec{
		Endpoint: "/api/rooms/poll/messages",
		Query:    q,
		DedupKey: fmt.Sprintf("poll/messages?room=%s&offset=%d", s.cfg.Room.ID, offset),
	})
	if err != nil {
		return model.MessagesSnapshot{}, err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return model.MessagesSnapshot{}, fmt.Errorf("load older messages: %w", err)
	}
	var snap model.MessagesSnapshot
	if err := json.Unmarshal(res.Body, &snap); err != nil {
		return model.MessagesSnapshot{}, fmt.Errorf("load older messages: decode: %w", err)
	}
	return snap, nil
}

// Close 退房清理。顺序：先停传输（不再有新负载进来），再停播放同步，
// 最后关请求管理器（排队中的请求立即失败返回）。幂等。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.logger.Printf("[Session] leaving room %s", s.cfg.Room.ID)
		s.Transport.Close()
		s.Playback.Close()
		s.Requests.Close()
	})
}
