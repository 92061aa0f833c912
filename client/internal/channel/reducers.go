package channel

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"roomcast/client/internal/model"
)

// State 一个房间会话的 UI 可见状态。
// 会话级对象：进房时构建，退房时丢弃，不做进程级单例。
type State struct {
	mu sync.RWMutex

	Room     model.RoomInfo
	Users    []model.User
	Mentions []model.Message
	Friends  []model.Friend
	Knocks   []model.Knock

	Whispers *Windows
	Privates *Windows

	// settings_check 通道：版本变化时置位，提示需要整页重载
	settingsVersion int64
	SettingsStale   bool

	// inactivity_status 通道的最新判定
	Inactivity model.InactivityStatus
}

// NewState 创建会话状态。self 是当前用户 id。
func NewState(self string) *State {
	return &State{
		Whispers: NewWindows(self),
		Privates: NewWindows(self),
	}
}

// UsersCopy 读取当前用户列表的拷贝（诊断/渲染用）。
func (s *State) UsersCopy() []model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, len(s.Users))
	copy(out, s.Users)
	return out
}

// Notify 每次某通道成功归约后回调，供展示层触发重渲染。
type Notify func(ch model.Channel)

// Reducers 把任一传输方式送来的通道快照归并进 State。
// 每个归约处理的是全量快照而非增量补丁，因此从轮询回调或推流回调
// 任意交错进入都安全。单个通道负载解码失败只跳过该次更新（fail closed），
// 不影响其他通道，也不中断共享的定时循环。
type Reducers struct {
	state  *State
	notify Notify
	logger *log.Logger
}

// NewReducers 创建归约器集合。notify 可为 nil。
func NewReducers(state *State, notify Notify, logger *log.Logger) *Reducers {
	if logger == nil {
		logger = log.Default()
	}
	if notify == nil {
		notify = func(model.Channel) {}
	}
	return &Reducers{state: state, notify: notify, logger: logger}
}

// Apply 按通道名分发负载。未知通道记录后忽略，保证服务端新增通道不致崩溃。
func (r *Reducers) Apply(ch model.Channel, raw json.RawMessage) error {
	var err error
	switch ch {
	case model.ChannelUsers:
		err = r.applyUsers(raw)
	case model.ChannelMentions:
		err = r.applyMentions(raw)
	case model.ChannelWhispers:
		err = r.applyDirect(r.state.Whispers, raw)
	case model.ChannelPrivateMsgs:
		err = r.applyDirect(r.state.Privates, raw)
	case model.ChannelFriends:
		err = r.applyFriends(raw)
	case model.ChannelRoomData:
		err = r.applyRoomInfo(raw)
	case model.ChannelKnocks:
		err = r.applyKnocks(raw)
	case model.ChannelSettingsCheck:
		err = r.applySettings(raw)
	case model.ChannelInactivity:
		err = r.applyInactivity(raw)
	default:
		r.logger.Printf("[Reducers] unhandled channel: %s", ch)
		return nil
	}

	if err != nil {
		// fail closed：保留旧状态，只丢弃这一次更新
		r.logger.Printf("[Reducers] ⚠️  drop malformed payload: channel=%s err=%v", ch, err)
		return fmt.Errorf("reduce %s: %w", ch, err)
	}
	r.notify(ch)
	return nil
}

func (r *Reducers) applyUsers(raw json.RawMessage) error {
	var snap model.UsersSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	SortUsers(snap.Users)

	r.state.mu.Lock()
	r.state.Users = snap.Users
	r.state.mu.Unlock()
	return nil
}

func (r *Reducers) applyMentions(raw json.RawMessage) error {
	var snap model.MentionsSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	r.state.mu.Lock()
	r.state.Mentions = snap.Mentions
	r.state.mu.Unlock()
	return nil
}

func (r *Reducers) applyDirect(ws *Windows, raw json.RawMessage) error {
	var snap model.DirectSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	ws.Apply(snap)
	return nil
}

func (r *Reducers) applyFriends(raw json.RawMessage) error {
	var snap model.FriendsSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	r.state.mu.Lock()
	r.state.Friends = snap.Friends
	r.state.mu.Unlock()
	return nil
}

func (r *Reducers) applyRoomInfo(raw json.RawMessage) error {
	var info model.RoomInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return err
	}
	r.state.mu.Lock()
	r.state.Room = info
	r.state.mu.Unlock()
	return nil
}

func (r *Reducers) applyKnocks(raw json.RawMessage) error {
	var snap model.KnocksSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	r.state.mu.Lock()
	r.state.Knocks = snap.Knocks
	r.state.mu.Unlock()
	return nil
}

func (r *Reducers) applySettings(raw json.RawMessage) error {
	var sc model.SettingsCheck
	if err := json.Unmarshal(raw, &sc); err != nil {
		return err
	}
	r.state.mu.Lock()
	if r.state.settingsVersion != 0 && sc.Version != r.state.settingsVersion {
		// 版本变了：置位并保持，直到整页重载
		r.state.SettingsStale = true
	}
	r.state.settingsVersion = sc.Version
	r.state.mu.Unlock()
	return nil
}

func (r *Reducers) applyInactivity(raw json.RawMessage) error {
	var st model.InactivityStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return err
	}
	r.state.mu.Lock()
	r.state.Inactivity = st
	r.state.mu.Unlock()
	return nil
}

// SortUsers 稳定排序：host 永远第一，其余按展示名不分大小写排，
// 展示名按 注册用户名 > 聊天室分配名 > 匿名标签 回退。
func SortUsers(users []model.User) {
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].IsHost != users[j].IsHost {
			return users[i].IsHost
		}
		return strings.ToLower(users[i].DisplayName()) < strings.ToLower(users[j].DisplayName())
	})
}
