package request

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed 管理器已关闭，拒绝新请求。
	ErrClosed = errors.New("request manager closed")
)

// Spec 描述一次请求。
// DedupKey 由调用方按“端点+主要参数”构造（如 "poll/messages?room=r1"）：
// 相同 key 的在途请求会被合并，调用方拿到同一个 Pending。
type Spec struct {
	Endpoint string        // 相对路径，如 "/api/rooms/r1/messages"
	Method   string        // 默认 GET
	Query    url.Values    // 查询参数
	Body     any           // 非 nil 时 JSON 编码为请求体
	DedupKey string        // 空串表示不去重
	Timeout  time.Duration // 0 取管理器默认
}

// Result 请求结果。Err 为传输层错误；HTTP 非 2xx 也记为 Err。
type Result struct {
	Status int
	Body   []byte
	Err    error
}

// Pending 在途请求句柄。多个合并的调用方共享同一个 Pending。
type Pending struct {
	id   string
	done chan struct{}
	res  Result
}

// Wait 阻塞直到请求完成或 ctx 取消。
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.res, p.res.Err
	case <-ctx.Done():
		return Result{Err: ctx.Err()}, ctx.Err()
	}
}

// Done 只读完成信号（供 select 使用）。
func (p *Pending) Done() <-chan struct{} { return p.done }

// Manager 所有轮询与动作请求的共用入口。
// 核心职责：
// 1. 按 DedupKey 合并在途请求（coalesce，不是排队等前一个）
// 2. 总在途数受上限约束，超出的进入 FIFO 队列，空位出来按序发出
// 3. 暴露在途数/队列长度/按端点计数，供诊断端点读取
// 本层不做重试：失败直接回给调用方，重试策略是调用点的事。
type Manager struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	ceiling int
	logger  *log.Logger

	mu       sync.Mutex
	inflight map[string]*Pending // DedupKey -> 在途请求
	queue    []*queued           // 达到上限后的等待队列（FIFO）
	active   int
	counters map[string]int64 // endpoint -> 已发出次数
	closed   bool
}

type queued struct {
	spec Spec
	p    *Pending
}

// New 创建请求管理器。ceiling<=0 视为不限并发。
func New(baseURL string, ceiling int, timeout time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		baseURL:  baseURL,
		client:   &http.Client{},
		timeout:  timeout,
		ceiling:  ceiling,
		logger:   logger,
		inflight: make(map[string]*Pending),
		counters: make(map[string]int64),
	}
}

// Do 发起（或合并到）一次请求，立即返回 Pending。
func (m *Manager) Do(spec Spec) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if spec.Method == "" {
		spec.Method = http.MethodGet
	}

	// 去重合并：同 key 在途，直接回同一个句柄。
	if spec.DedupKey != "" {
		if p, ok := m.inflight[spec.DedupKey]; ok {
			m.logger.Printf("[Requests] coalesced into inflight: key=%s", spec.DedupKey)
			return p, nil
		}
	}

	p := &Pending{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
	if spec.DedupKey != "" {
		m.inflight[spec.DedupKey] = p
	}

	if m.ceiling > 0 && m.active >= m.ceiling {
		m.queue = append(m.queue, &queued{spec: spec, p: p})
		m.logger.Printf("[Requests] ceiling reached, queued: endpoint=%s queue_len=%d", spec.Endpoint, len(m.queue))
		return p, nil
	}

	m.launch(spec, p)
	return p, nil
}

// launch 占用一个并发位并异步执行。调用方须持有 m.mu。
func (m *Manager) launch(spec Spec, p *Pending) {
	m.active++
	m.counters[spec.Endpoint]++
	m.logger.Printf("[Requests] launch: id=%s %s %s active=%d", p.id, spec.Method, spec.Endpoint, m.active)
	go m.execute(spec, p)
}

func (m *Manager) execute(spec Spec, p *Pending) {
	p.res = m.roundTrip(spec)

	m.mu.Lock()
	m.active--
	if spec.DedupKey != "" {
		delete(m.inflight, spec.DedupKey)
	}
	// 释放出的并发位立刻给队头。
	var next *queued
	if len(m.queue) > 0 && !m.closed {
		next = m.queue[0]
		m.queue = m.queue[1:]
		m.launch(next.spec, next.p)
	}
	m.mu.Unlock()

	close(p.done)
}

// roundTrip 执行实际 HTTP 往返。
func (m *Manager) roundTrip(spec Spec) Result {
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = m.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	u := m.baseURL + spec.Endpoint
	if len(spec.Query) > 0 {
		u += "?" + spec.Query.Encode()
	}

	var body io.Reader
	if spec.Body != nil {
		data, err := json.Marshal(spec.Body)
		if err != nil {
			return Result{Err: fmt.Errorf("marshal request body: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, u, body)
	if err != nil {
		return Result{Err: fmt.Errorf("build request: %w", err)}
	}
	if spec.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Status: resp.StatusCode, Body: data, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	return Result{Status: resp.StatusCode, Body: data}
}

// Stats 返回诊断信息。
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	byEndpoint := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		byEndpoint[k] = v
	}
	return map[string]interface{}{
		"active_requests": m.active,
		"queue_length":    len(m.queue),
		"inflight_keys":   len(m.inflight),
		"by_endpoint":     byEndpoint,
	}
}

// Close 关闭管理器：在途请求完成后自然收尾，队列中的请求直接以 ErrClosed 失败。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	drained := m.queue
	m.queue = nil
	for _, q := range drained {
		if q.spec.DedupKey != "" {
			delete(m.inflight, q.spec.DedupKey)
		}
	}
	m.mu.Unlock()

	for _, q := range drained {
		q.p.res = Result{Err: ErrClosed}
		close(q.p.done)
	}
	m.logger.Printf("[Requests] closed, dropped %d queued requests", len(drained))
}
