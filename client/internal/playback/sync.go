package playback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"roomcast/client/internal/model"
)

// ErrNotHost 只有 host 能发出改变播放状态的指令。
var ErrNotHost = errors.New("playback command requires host role")

// Player 由嵌入方实现的播放器抽象。
type Player interface {
	Load(videoID string, at float64)
	Seek(seconds float64)
	Play()
	Pause()
	Stop()
	Position() float64 // 本地播放头，秒
	Current() string   // 当前加载的 video id，空串表示无
}

// Commander 指令与快照端点（由 actions 包实现）。
type Commander interface {
	MediaPlay(ctx context.Context) (model.MediaCommandResult, error)
	MediaPause(ctx context.Context) (model.MediaCommandResult, error)
	MediaSkip(ctx context.Context) (model.MediaCommandResult, error)
	MediaStop(ctx context.Context) (model.MediaCommandResult, error)
	SuggestVideo(ctx context.Context, videoID, title string) error
	ApproveSuggestion(ctx context.Context, id int64) error
	DenySuggestion(ctx context.Context, id int64) error
	FetchMedia(ctx context.Context) (model.MediaSnapshot, error)
}

// Config 同步器配置。
type Config struct {
	Host           bool          // 本端是否是 host
	Interval       time.Duration // 合并快照拉取周期
	DriftTolerance time.Duration // 播放头偏差超过才 seek
	AdvanceDelay   time.Duration // 自然结束后自动切下一条的延迟
}

// Synchronizer host 权威的共享播放同步器。
// 核心职责：
// 1. 周期拉取合并快照（队列+待审+权威状态），重入保护避免重叠拉取
// 2. 按 sync token 幂等归并：同 token 重复投递是 no-op
// 3. 漂移容忍：同视频小偏差不动，超容忍才 seek，播放/暂停无条件对齐
// 4. host 专属：状态指令、建议审批、自然结束后的自动切歌
type Synchronizer struct {
	cfg    Config
	player Player
	cmd    Commander
	logger *log.Logger

	mu          sync.Mutex
	lastToken   string
	queue       []model.QueueItem
	suggestions []model.Suggestion
	pollBusy    bool

	advanceTimer *time.Timer

	closeOnce sync.Once
	closeChan chan struct{}
	wg        sync.WaitGroup
}

// New 创建同步器。
func New(cfg Config, player Player, cmd Commander, logger *log.Logger) *Synchronizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Synchronizer{
		cfg:       cfg,
		player:    player,
		cmd:       cmd,
		logger:    logger,
		closeChan: make(chan struct{}),
	}
}

// Start 启动周期快照循环。
func (s *Synchronizer) Start() {
	s.wg.Add(1)
	go s.pollLoop()
}

func (s *Synchronizer) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

// pollOnce 拉取并应用一次合并快照。上一次还在途时跳过本轮。
func (s *Synchronizer) pollOnce() {
	s.mu.Lock()
	if s.pollBusy {
		s.mu.Unlock()
		return
	}
	s.pollBusy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pollBusy = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
	defer cancel()

	snap, err := s.cmd.FetchMedia(ctx)
	if err != nil {
		// 瞬时失败：记录即可，下一轮自然重试
		s.logger.Printf("[Playback] fetch snapshot failed: %v", err)
		return
	}
	s.ApplySnapshot(snap)
}

// ApplySnapshot 归并一份权威快照（推送或轮询均走这里）。
// 本地播放头永远不是权威：权威只来自最新 sync token 的负载。
func (s *Synchronizer) ApplySnapshot(snap model.MediaSnapshot) {
	s.mu.Lock()
	if snap.State.SyncToken == s.lastToken {
		s.mu.Unlock()
		return // 幂等：同 token 重复投递无副作用
	}
	s.lastToken = snap.State.SyncToken
	s.queue = snap.Queue
	s.suggestions = snap.Suggestions
	s.mu.Unlock()

	st := snap.State
	switch {
	case st.VideoID == "":
		if s.player.Current() != "" {
			s.player.Stop()
		}
	case st.VideoID != s.player.Current():
		// 换片：在权威时间点装载
		s.player.Load(st.VideoID, st.CurrentTime)
	default:
		// 同片：漂移超容忍才 seek，小偏差放过避免可见抖动
		drift := math.Abs(s.player.Position() - st.CurrentTime)
		if drift > s.cfg.DriftTolerance.Seconds() {
			s.logger.Printf("[Playback] drift %.1fs exceeds tolerance, seeking to %.1fs", drift, st.CurrentTime)
			s.player.Seek(st.CurrentTime)
		}
	}

	// 播放/暂停无条件对齐权威标志
	if st.VideoID != "" {
		if st.IsPlaying {
			s.player.Play()
		} else {
			s.player.Pause()
		}
	}
}

// Play host 指令：播放。成功后镜像返回的 token，避免下轮快照重复自应用。
func (s *Synchronizer) Play(ctx context.Context) error {
	return s.command(ctx, "play", s.cmd.MediaPlay, func() { s.player.Play() })
}

// Pause host 指令：暂停。
func (s *Synchronizer) Pause(ctx context.Context) error {
	return s.command(ctx, "pause", s.cmd.MediaPause, func() { s.player.Pause() })
}

// Stop host 指令：停止当前视频。
func (s *Synchronizer) Stop(ctx context.Context) error {
	return s.command(ctx, "stop", s.cmd.MediaStop, func() { s.player.Stop() })
}

// Skip host 指令：切到队列下一条。本地不镜像 token：
// 新视频与时间点由下一份权威快照装载。
func (s *Synchronizer) Skip(ctx context.Context) error {
	if !s.cfg.Host {
		return ErrNotHost
	}
	if _, err := s.cmd.MediaSkip(ctx); err != nil {
		return fmt.Errorf("skip: %w", err)
	}
	return nil
}

// command 发出一条可本地复现的 host 指令：先远端、成功后本地执行并镜像 token。
func (s *Synchronizer) command(ctx context.Context, name string, send func(context.Context) (model.MediaCommandResult, error), local func()) error {
	if !s.cfg.Host {
		return ErrNotHost
	}
	res, err := send(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	local()
	s.mu.Lock()
	s.lastToken = res.SyncToken
	s.mu.Unlock()
	return nil
}

// Suggest 任何成员都可以推荐视频。
func (s *Synchronizer) Suggest(ctx context.Context, videoID, title string) error {
	return s.cmd.SuggestVideo(ctx, videoID, title)
}

// Approve host 批准建议：条目离开 suggestions，进入 queue 尾部（由服务端落实，
// 下一份快照可见）。
func (s *Synchronizer) Approve(ctx context.Context, id int64) error {
	if !s.cfg.Host {
		return ErrNotHost
	}
	return s.cmd.ApproveSuggestion(ctx, id)
}

// Deny host 拒绝建议：条目直接移除。
func (s *Synchronizer) Deny(ctx context.Context, id int64) error {
	if !s.cfg.Host {
		return ErrNotHost
	}
	return s.cmd.DenySuggestion(ctx, id)
}

// OnMediaEnded 播放器通知当前条目自然结束。
// 只有 host 触发自动前进，且延迟一小段（teardown 时可取消）。
func (s *Synchronizer) OnMediaEnded() {
	if !s.cfg.Host {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advanceTimer != nil {
		s.advanceTimer.Stop()
	}
	s.advanceTimer = time.AfterFunc(s.cfg.AdvanceDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
		defer cancel()
		if err := s.Skip(ctx); err != nil {
			s.logger.Printf("[Playback] auto advance failed: %v", err)
		}
	})
}

// Queue 当前队列镜像。
func (s *Synchronizer) Queue() []model.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QueueItem, len(s.queue))
	copy(out, s.queue)
	return out
}

// Suggestions 当前待审镜像。
func (s *Synchronizer) Suggestions() []model.Suggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Suggestion, len(s.suggestions))
	copy(out, s.suggestions)
	return out
}

// LastToken 最近应用的 sync token（诊断用途）。
func (s *Synchronizer) LastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastToken
}

// Close 停止快照循环与未触发的自动前进定时器。
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.mu.Lock()
		if s.advanceTimer != nil {
			s.advanceTimer.Stop()
			s.advanceTimer = nil
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}
