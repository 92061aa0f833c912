package pagination

import (
	"context"
	"fmt"
	"log"
	"sync"

	"roomcast/client/internal/model"
)

// Viewport 由嵌入方实现的滚动视口抽象。
// Render 必须同步完成渲染：返回后 ContentHeight 已反映新列表，
// 翻页的滚动补偿依赖这一点。
type Viewport interface {
	Render(msgs []model.Message)
	AtBottom() bool
	PinBottom()
	ContentHeight() int
	ScrollTop() int
	SetScrollTop(int)
}

// FetchOlder 拉取一页历史消息（offset 为已物化的消息数）。
type FetchOlder func(ctx context.Context, offset, limit int) (model.MessagesSnapshot, error)

// Pager 管理消息列表：实时末尾（live refresh）与向上翻页（load older）
// 在同一份列表上合并。列表分两段：older 是翻页前插的历史页，tail 是
// 实时窗口；实时刷新只替换 tail，不会冲掉已翻出的历史。按消息 id 去重，
// 避免新消息到达使 offset 偏移时的重复插入。
// 不变式：offset 在一次房间会话内单调增，只有整体重订阅才归零。
type Pager struct {
	mu       sync.Mutex
	view     Viewport
	fetch    FetchOlder
	pageSize int
	logger   *log.Logger

	older   []model.Message
	tail    []model.Message
	known   map[int64]bool // 已物化的消息 id
	offset  int            // 已物化的消息数（翻页请求的起点）
	total   int
	hasMore bool
	first   bool // 首次加载后强制置底

	loadingOlder  bool // 翻页互斥
	livePending   bool // 实时刷新请求在途
	olderDeferred bool // 实时刷新期间到达的翻页请求：推迟而非丢弃
}

// New 创建分页引擎。
func New(view Viewport, fetch FetchOlder, pageSize int, logger *log.Logger) *Pager {
	if logger == nil {
		logger = log.Default()
	}
	// hasMore 从 false 起步：首次实时快照落地前没有“更旧”可言，
	// 由 ApplyLive 依据 offset 与 Total 首次判定。
	return &Pager{
		view:     view,
		fetch:    fetch,
		pageSize: pageSize,
		logger:   logger,
		known:    make(map[int64]bool),
		first:    true,
	}
}

// ApplyLive 应用 offset=0 的实时快照（推送或轮询均走这里）。
// 翻页进行中时跳过本次覆盖；替换前记录是否贴底，贴底（或首次加载）则重新置底。
func (p *Pager) ApplyLive(snap model.MessagesSnapshot) {
	p.mu.Lock()

	// 快照落地即实时刷新完结：先清在途标记，
	// 被推迟的翻页在下面补发时才不会再次被挡
	p.livePending = false

	if p.loadingOlder {
		p.mu.Unlock()
		p.logger.Printf("[Pager] live refresh skipped: load-older in progress")
		return
	}

	pin := p.first || p.view.AtBottom()

	// 替换 tail：先把旧 tail 从已知集合摘掉，再装入新窗口（历史段除外）
	for _, m := range p.tail {
		delete(p.known, m.ID)
	}
	p.tail = p.tail[:0]
	for _, m := range snap.Messages {
		if p.known[m.ID] {
			continue // 已在历史段里，避免重复插入
		}
		p.known[m.ID] = true
		p.tail = append(p.tail, m)
	}

	p.total = snap.Total
	if p.first {
		p.offset = len(p.tail)
		p.hasMore = p.offset < snap.Total
		p.first = false
	}
	deferred := p.olderDeferred
	p.olderDeferred = false
	list := p.combinedLocked()
	p.mu.Unlock()

	p.view.Render(list)
	if pin {
		p.view.PinBottom()
	}
	if deferred {
		// 实时刷新期间被推迟的翻页，现在补上
		go func() {
			if err := p.LoadOlder(context.Background()); err != nil {
				p.logger.Printf("[Pager] deferred load-older failed: %v", err)
			}
		}()
	}
}

// SetLiveInFlight 由传输层在实时刷新请求发出/完成时标记。
func (p *Pager) SetLiveInFlight(v bool) {
	p.mu.Lock()
	p.livePending = v
	p.mu.Unlock()
}

// LoadOlder 向上翻一页。重入保护：已有翻页在途直接返回；
// 实时刷新在途时推迟（ApplyLive 完成后自动补发），不丢弃。
func (p *Pager) LoadOlder(ctx context.Context) error {
	p.mu.Lock()
	if !p.hasMore || p.loadingOlder {
		p.mu.Unlock()
		return nil
	}
	if p.livePending {
		p.olderDeferred = true
		p.mu.Unlock()
		return nil
	}
	p.loadingOlder = true
	offset := p.offset
	p.mu.Unlock()

	snap, err := p.fetch(ctx, offset, p.pageSize)

	p.mu.Lock()
	p.loadingOlder = false

	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("load older: %w", err)
	}

	if len(snap.Messages) == 0 {
		// 到顶了：本会话内永久移除“加载更多”
		p.hasMore = false
		p.logger.Printf("[Pager] reached top: offset=%d", p.offset)
		p.mu.Unlock()
		return nil
	}

	page := make([]model.Message, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		if p.known[m.ID] {
			continue
		}
		p.known[m.ID] = true
		page = append(page, m)
	}

	p.older = append(append([]model.Message{}, page...), p.older...)
	p.offset += len(snap.Messages)
	if snap.Total > 0 {
		p.total = snap.Total
	}
	if p.total > 0 && p.offset >= p.total {
		p.hasMore = false
	}
	list := p.combinedLocked()
	p.mu.Unlock()

	// 前插并保持视觉位置：渲染引起的高度增量加回滚动偏移
	before := p.view.ContentHeight()
	p.view.Render(list)
	delta := p.view.ContentHeight() - before
	p.view.SetScrollTop(p.view.ScrollTop() + delta)
	return nil
}

// combinedLocked 合成旧到新的完整列表。调用方须持有 p.mu。
func (p *Pager) combinedLocked() []model.Message {
	out := make([]model.Message, 0, len(p.older)+len(p.tail))
	out = append(out, p.older...)
	out = append(out, p.tail...)
	return out
}

// Reset 整体重订阅（换房/强制重载）时归零。
func (p *Pager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.older = nil
	p.tail = nil
	p.known = make(map[int64]bool)
	p.offset = 0
	p.total = 0
	p.hasMore = false
	p.first = true
	p.loadingOlder = false
	p.olderDeferred = false
}

// Messages 当前物化的消息列表（旧到新）。
func (p *Pager) Messages() []model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.combinedLocked()
}

// Offset 已物化的消息数（即下一次翻页的起点）。
func (p *Pager) Offset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// HasMoreOlder 是否还有更旧的消息可翻。
func (p *Pager) HasMoreOlder() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}
