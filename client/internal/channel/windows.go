package channel

import (
	"sort"
	"sync"

	"roomcast/client/internal/model"
)

// ComposeBox 由嵌入方（UI 层）实现的输入框抽象。
// 本核心无界面，只通过它判定“聚焦且有未发送内容”这一抑制条件。
type ComposeBox interface {
	Focused() bool
	Content() string
}

// Window 一个会话窗口（whisper 或私信），按对端身份建。
// 首次打开时创建，显式关闭时销毁；不持久化，打开时由服务端快照重建。
type Window struct {
	Counterpart string
	Collapsed   bool
	Unread      int
	Rendered    []model.DirectMessage // 最近一次渲染的消息集
	Compose     ComposeBox
}

// suppressed 判定是否要保护输入框：聚焦且非空时，跳过对该窗口消息区的刷新。
func (w *Window) suppressed() bool {
	return w.Compose != nil && w.Compose.Focused() && w.Compose.Content() != ""
}

// Windows 一类会话窗口的集合（whisper 一套、私信一套）。
// 未读数与窗口分离：窗口未打开时也要继续累计未读角标。
type Windows struct {
	mu     sync.Mutex
	self   string // 当前用户身份，用于确定消息对端
	open   map[string]*Window
	unread map[string]int
	seen   map[string]int64 // counterpart -> 已计入未读的最大消息 id
}

// NewWindows 创建窗口集合。self 是当前用户 id。
func NewWindows(self string) *Windows {
	return &Windows{
		self:   self,
		open:   make(map[string]*Window),
		unread: make(map[string]int),
		seen:   make(map[string]int64),
	}
}

// Open 打开（或返回已打开的）某对端的窗口。打开即视为已读。
func (ws *Windows) Open(counterpart string, compose ComposeBox) *Window {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if w, ok := ws.open[counterpart]; ok {
		return w
	}
	w := &Window{Counterpart: counterpart, Compose: compose}
	ws.open[counterpart] = w
	ws.unread[counterpart] = 0
	return w
}

// Close 显式关闭窗口并销毁其本地状态。
func (ws *Windows) Close(counterpart string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.open, counterpart)
}

// MarkRead 清空某对端的未读数。
func (ws *Windows) MarkRead(counterpart string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.unread[counterpart] = 0
	if w, ok := ws.open[counterpart]; ok {
		w.Unread = 0
	}
}

// Unread 返回某对端的未读数。
func (ws *Windows) Unread(counterpart string) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.unread[counterpart]
}

// Get 返回已打开的窗口（没有则 nil）。
func (ws *Windows) Get(counterpart string) *Window {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.open[counterpart]
}

// Apply 应用一份全量快照。
// 规则：未读角标永远更新；消息区只有在窗口未被抑制时才覆盖，
// 保护用户正在输入的半截回复。
func (ws *Windows) Apply(snap model.DirectSnapshot) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	byPeer := make(map[string][]model.DirectMessage)
	for _, msg := range snap.Messages {
		peer := msg.From
		if msg.From == ws.self {
			peer = msg.To
		}
		byPeer[peer] = append(byPeer[peer], msg)

		// 对端发来的新消息计未读（自己发出的不算）
		if msg.From != ws.self && msg.ID > ws.seen[peer] {
			ws.seen[peer] = msg.ID
			ws.unread[peer]++
		}
	}

	for peer, msgs := range byPeer {
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
		w, ok := ws.open[peer]
		if !ok {
			continue
		}
		w.Unread = ws.unread[peer]
		if w.suppressed() {
			// 仅保护消息区，本次不覆盖 Rendered
			continue
		}
		w.Rendered = msgs
	}
}

// OpenCounterparts 返回当前打开的窗口对端列表（诊断用途）。
func (ws *Windows) OpenCounterparts() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]string, 0, len(ws.open))
	for peer := range ws.open {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}
