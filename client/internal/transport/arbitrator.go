package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"roomcast/client/internal/model"
	"roomcast/client/internal/request"
)

// Dispatch 把某个通道的完整快照交给对应的 reducer。
// 负载保持 RawMessage，解码失败由 reducer 自己 fail closed。
type Dispatch func(ch model.Channel, payload json.RawMessage)

// PollHook 单通道轮询请求的在途标记：发出前 inFlight=true，
// 应用（或失败）后 false。消息通道靠它推迟（而非丢弃）与实时刷新
// 撞车的翻页请求。
type PollHook func(ch model.Channel, inFlight bool)

// ConnState 推流连接状态。
type ConnState string

const (
	StateDisconnected     ConnState = "disconnected"
	StateConnecting       ConnState = "connecting"
	StateConnected        ConnState = "connected"
	StateReconnectPending ConnState = "reconnect_pending"
)

// Config 仲裁器配置。
type Config struct {
	RoomID string

	// 推流
	PushEnabled      bool
	PushURL          string // ws:// 或 wss://
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	MaxConsecErrors  int // 连续失败达到该值后升级为致命错误

	// 轮询
	PollInterval time.Duration
	PollTimeout  time.Duration
	PageSize     int
}

// Arbitrator 传输仲裁器。
// 职责：
// 1. 维护房间推流连接的生命周期（连接、心跳、服务端指令重连、失败退避）
// 2. 按通道决定数据来源：推流 or 轮询，同一时刻二选一，绝不并存
// 3. 驱动单一共享的轮询定时器，批量拉取未被推流覆盖的通道
// 4. 连续失败计数，达到阈值后通过 onFatal 升级给会话层
//
// 丢弃策略：每个负载都是全量快照，后到的直接覆盖先到的（last-write-wins），
// 串行分发天然满足，不需要额外的待应用队列。
type Arbitrator struct {
	cfg      Config
	requests *request.Manager
	dispatch Dispatch
	pollHook PollHook // 可选，Start 之前设置
	onFatal  func(error)

	// 连接状态
	mu            sync.Mutex
	state         ConnState
	conn          *websocket.Conn
	connWriteLock sync.Mutex
	pushChannels  map[model.Channel]bool // 通道 → 是否由推流供数
	expectClose   bool                   // 服务端指令重连期间置位，抑制"意外断开"告警
	consecErrors  int
	fatal         bool
	lastHeartbeat time.Time
	pollBusy      bool
	retryTimer    *time.Timer

	closeOnce sync.Once
	closeChan chan struct{}
	wg        sync.WaitGroup

	logger *log.Logger
}

// New 创建仲裁器。默认所有通道走推流（前提是推流全局启用且连接在线）。
func New(cfg Config, requests *request.Manager, dispatch Dispatch, onFatal func(error), logger *log.Logger) *Arbitrator {
	if logger == nil {
		logger = log.Default()
	}
	push := make(map[model.Channel]bool, len(model.AllChannels()))
	for _, ch := range model.AllChannels() {
		push[ch] = cfg.PushEnabled
	}
	return &Arbitrator{
		cfg:          cfg,
		requests:     requests,
		dispatch:     dispatch,
		onFatal:      onFatal,
		state:        StateDisconnected,
		pushChannels: push,
		closeChan:    make(chan struct{}),
		logger:       logger,
	}
}

// Start 进房启动：推流启用时先建连，随后启动共享轮询循环。
func (a *Arbitrator) Start() {
	if a.cfg.PushEnabled {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.connect()
		}()
	}

	a.wg.Add(1)
	go a.pollLoop()

	a.logger.Printf("[Arbitrator] started: room=%s push=%v", a.cfg.RoomID, a.cfg.PushEnabled)
}

// SetPollHook 注入轮询在途标记回调。必须在 Start 之前调用。
func (a *Arbitrator) SetPollHook(h PollHook) {
	a.pollHook = h
}

// SetChannelPush 运行时切换某通道的供数来源。
func (a *Arbitrator) SetChannelPush(ch model.Channel, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushChannels[ch] = enabled
}

// State 当前连接状态。
func (a *Arbitrator) State() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ConsecutiveErrors 当前连续失败计数。
func (a *Arbitrator) ConsecutiveErrors() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consecErrors
}

// Stats 诊断快照。
func (a *Arbitrator) Stats() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	pushed := make([]string, 0, len(a.pushChannels))
	for ch, on := range a.pushChannels {
		if on {
			pushed = append(pushed, string(ch))
		}
	}
	return map[string]any{
		"state":              string(a.state),
		"consecutive_errors": a.consecErrors,
		"push_channels":      pushed,
		"last_heartbeat":     a.lastHeartbeat,
		"poll_busy":          a.pollBusy,
	}
}

// connect 建立推流连接并启动读/心跳循环。
func (a *Arbitrator) connect() {
	a.mu.Lock()
	if a.fatal || a.state == StateConnecting || a.state == StateConnected {
		a.mu.Unlock()
		return
	}
	a.state = StateConnecting
	a.mu.Unlock()

	u := a.cfg.PushURL
	if parsed, err := url.Parse(u); err == nil {
		q := parsed.Query()
		q.Set("room_id", a.cfg.RoomID)
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}

	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.HandshakeTimeout}
	conn, resp, err := dialer.Dial(u, nil)
	if err != nil {
		if resp != nil {
			a.logger.Printf("[Arbitrator] dial push stream failed: status=%d err=%v", resp.StatusCode, err)
		} else {
			a.logger.Printf("[Arbitrator] dial push stream failed: %v", err)
		}
		a.streamFailure()
		return
	}

	// closeChan 检查与 conn 存入必须在同一临界区里：否则 Close 可能
	// 恰好插在两步之间，拿不到这条连接去关，读循环就会永久阻塞
	a.mu.Lock()
	select {
	case <-a.closeChan:
		// teardown 赶在拨号完成之前，直接丢弃新连接
		a.state = StateDisconnected
		a.mu.Unlock()
		conn.Close()
		return
	default:
	}
	a.conn = conn
	a.state = StateConnected
	a.consecErrors = 0
	a.expectClose = false
	a.mu.Unlock()

	a.logger.Printf("[Arbitrator] push stream connected: %s", u)

	a.wg.Add(2)
	go a.readLoop(conn)
	go a.pingLoop(conn)
}

// readLoop 推流读取循环。事件在本循环内串行处理，同一通道的
// 负载应用顺序即到达顺序。
func (a *Arbitrator) readLoop(conn *websocket.Conn) {
	defer a.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-a.closeChan:
				return
			default:
			}

			a.mu.Lock()
			expected := a.expectClose
			a.expectClose = false
			a.mu.Unlock()

			if expected {
				// 服务端指令重连导致的关闭，不是故障
				return
			}

			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Printf("[Arbitrator] push stream read error: %v", err)
			}
			a.streamFailure()
			return
		}

		var ev model.PushEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			a.logger.Printf("[Arbitrator] drop malformed push event: %v", err)
			continue
		}
		a.handleEvent(&ev)
	}
}

// handleEvent 按事件类型路由。未识别类型记录日志后忽略，
// 服务端新增事件类型不会导致崩溃。
func (a *Arbitrator) handleEvent(ev *model.PushEvent) {
	switch ev.Type {
	case model.EventConnected:
		a.logger.Printf("[Arbitrator] push stream handshake confirmed")

	case model.EventRoomData:
		a.fanOut(ev.Channels)

	case model.EventHeartbeat:
		a.mu.Lock()
		a.lastHeartbeat = time.Now()
		a.mu.Unlock()

	case model.EventReconnect:
		a.serverReconnect()

	case model.EventError:
		// 服务端错误通告不触发重连
		a.logger.Printf("[Arbitrator] push stream server error: %s", ev.Error)

	default:
		a.logger.Printf("[Arbitrator] unhandled push event type: %s", ev.Type)
	}
}

// fanOut 把 room_data 的子负载分发给各通道 reducer。
// 只分发当前由推流供数的通道：被切到轮询的通道即使收到推流负载也忽略，
// 保证任一时刻每个通道只有一个数据来源。
func (a *Arbitrator) fanOut(channels map[model.Channel]json.RawMessage) {
	for _, ch := range model.AllChannels() {
		raw, ok := channels[ch]
		if !ok {
			continue
		}
		a.mu.Lock()
		enabled := a.pushChannels[ch]
		a.mu.Unlock()
		if !enabled {
			a.logger.Printf("[Arbitrator] ignore push payload for poll-served channel: %s", ch)
			continue
		}
		a.dispatch(ch, raw)
	}
}

// serverReconnect 服务端指令重连：进入 reconnect_pending，置位预期关闭标志，
// 关闭连接，固定短延迟后重新建连。该关闭不计入连续失败。
func (a *Arbitrator) serverReconnect() {
	a.logger.Printf("[Arbitrator] server directed reconnect, reopening in %s", a.cfg.ReconnectDelay)

	a.mu.Lock()
	a.state = StateReconnectPending
	a.expectClose = true
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	a.scheduleConnect(a.cfg.ReconnectDelay)
}

// streamFailure 意外断开/建连失败：计数，达到阈值升级为致命，否则延迟重试。
func (a *Arbitrator) streamFailure() {
	a.mu.Lock()
	a.state = StateDisconnected
	a.conn = nil
	a.consecErrors++
	n := a.consecErrors
	limit := a.cfg.MaxConsecErrors
	already := a.fatal
	if n >= limit {
		a.fatal = true
	}
	a.mu.Unlock()

	if already {
		return
	}

	if n >= limit {
		a.logger.Printf("[Arbitrator] ⚠️ push stream failed %d times in a row, giving up", n)
		if a.onFatal != nil {
			a.onFatal(fmt.Errorf("push stream failed %d consecutive times, session likely invalid", n))
		}
		return
	}

	a.logger.Printf("[Arbitrator] push stream failure %d/%d, retrying in %s", n, limit, a.cfg.ReconnectDelay)
	a.scheduleConnect(a.cfg.ReconnectDelay)
}

// scheduleConnect 延迟建连，teardown 时可取消。
func (a *Arbitrator) scheduleConnect(delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.closeChan:
		return
	default:
	}

	if a.retryTimer != nil {
		a.retryTimer.Stop()
	}
	a.wg.Add(1)
	a.retryTimer = time.AfterFunc(delay, func() {
		defer a.wg.Done()
		select {
		case <-a.closeChan:
			return
		default:
		}
		a.connect()
	})
}

// pingLoop 定期发送ping保持连接。
func (a *Arbitrator) pingLoop(conn *websocket.Conn) {
	defer a.wg.Done()

	interval := a.cfg.PingInterval
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.closeChan:
			return
		case <-ticker.C:
			a.mu.Lock()
			current := a.conn
			a.mu.Unlock()
			if current != conn {
				// 连接已更替，本循环退出
				return
			}
			a.connWriteLock.Lock()
			conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			a.connWriteLock.Unlock()
		}
	}
}

// pollLoop 单一共享轮询定时器。每个 tick 发起一轮批量拉取；
// 上一轮仍有请求在途时跳过本轮（再入保护）。
func (a *Arbitrator) pollLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.closeChan:
			return
		case <-ticker.C:
			a.mu.Lock()
			if a.pollBusy {
				a.mu.Unlock()
				a.logger.Printf("[Arbitrator] previous poll cycle still in flight, skip")
				continue
			}
			a.pollBusy = true
			a.mu.Unlock()

			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.pollOnce()
				a.mu.Lock()
				a.pollBusy = false
				a.mu.Unlock()
			}()
		}
	}
}

// pollOnce 一轮批量拉取：跳过由推流供数的通道，其余通道各发一个请求，
// 结果分发给 reducer。瞬时失败只记日志，不改通道归属，下一轮自然重试。
func (a *Arbitrator) pollOnce() {
	a.mu.Lock()
	connected := a.state == StateConnected
	targets := make([]model.Channel, 0, len(a.pushChannels))
	for _, ch := range model.AllChannels() {
		if connected && a.pushChannels[ch] {
			continue
		}
		targets = append(targets, ch)
	}
	a.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PollTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range targets {
		ch := ch
		g.Go(func() error {
			if err := a.pollChannel(ctx, ch); err != nil {
				a.logger.Printf("[Arbitrator] poll %s failed: %v", ch, err)
			}
			// 单通道失败不取消整轮
			return nil
		})
	}
	g.Wait()
}

// pollChannel 拉取单个通道的快照。去重 key 绑定通道+房间：
// 同一通道同一时刻至多一个在途请求，互不相关的通道不会互相合并。
func (a *Arbitrator) pollChannel(ctx context.Context, ch model.Channel) error {
	if a.pollHook != nil {
		a.pollHook(ch, true)
		defer a.pollHook(ch, false)
	}

	q := url.Values{}
	q.Set("room_id", a.cfg.RoomID)
	if ch == model.ChannelMessages {
		q.Set("offset", "0")
		q.Set("limit", strconv.Itoa(a.cfg.PageSize))
	}

	p, err := a.requests.Do(request.Spec{
		Endpoint: "/api/rooms/poll/" + string(ch),
		Query:    q,
		DedupKey: "poll/" + string(ch) + "?room=" + a.cfg.RoomID,
		Timeout:  a.cfg.PollTimeout,
	})
	if err != nil {
		return err
	}

	res, err := p.Wait(ctx)
	if err != nil {
		return err
	}

	// 轮询端点返回的形状与推流 room_data 子负载一致，reducer 不感知来源
	a.dispatch(ch, json.RawMessage(res.Body))
	return nil
}

// Close 退房清理：停掉轮询与重连定时器，关闭推流连接，等待全部协程退出。
func (a *Arbitrator) Close() error {
	a.closeOnce.Do(func() {
		a.logger.Printf("[Arbitrator] closing: room=%s", a.cfg.RoomID)
		close(a.closeChan)

		a.mu.Lock()
		if a.retryTimer != nil {
			if a.retryTimer.Stop() {
				// 回调不会再执行，补上它欠的 Done
				a.wg.Done()
			}
			a.retryTimer = nil
		}
		conn := a.conn
		a.conn = nil
		a.state = StateDisconnected
		a.mu.Unlock()

		if conn != nil {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
		}

		a.wg.Wait()
	})
	return nil
}
