package model

import "time"

// Channel 标识一条逻辑数据通道（房间内的一类数据源）。
// 每个 Channel 在任意时刻只由一种传输方式供数据：push 或 poll，绝不同时。
type Channel string

const (
	ChannelMessages      Channel = "messages"
	ChannelUsers         Channel = "users"
	ChannelMentions      Channel = "mentions"
	ChannelWhispers      Channel = "whispers"
	ChannelPrivateMsgs   Channel = "private_messages"
	ChannelFriends       Channel = "friends"
	ChannelRoomData      Channel = "room_data"
	ChannelKnocks        Channel = "knocks"
	ChannelSharedMedia   Channel = "shared_media"
	ChannelSettingsCheck Channel = "settings_check"
	ChannelInactivity    Channel = "inactivity_status"
)

// AllChannels 列出全部已知通道（轮询循环按此顺序遍历）。
func AllChannels() []Channel {
	return []Channel{
		ChannelMessages,
		ChannelUsers,
		ChannelMentions,
		ChannelWhispers,
		ChannelPrivateMsgs,
		ChannelFriends,
		ChannelRoomData,
		ChannelKnocks,
		ChannelSharedMedia,
		ChannelSettingsCheck,
		ChannelInactivity,
	}
}

// Message 房间内的一条公开消息。
type Message struct {
	ID      int64     `json:"id"`
	RoomID  string    `json:"room_id"`
	UserID  string    `json:"user_id"`
	Author  string    `json:"author"`
	Body    string    `json:"body"`
	Mention bool      `json:"mention,omitempty"` // 是否 @ 了当前用户
	SentAt  time.Time `json:"sent_at"`
}

// User 房间在线用户。三种名字按优先级回退：注册用户名 > 聊天室分配名 > 匿名标签。
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`  // 注册用户名
	ChatName string `json:"chat_name,omitempty"` // 聊天室分配的名字
	AnonName string `json:"anon_name,omitempty"` // 匿名标签
	IsHost   bool   `json:"is_host,omitempty"`
	IsFriend bool   `json:"is_friend,omitempty"`
}

// DisplayName 按回退顺序取展示名。
func (u User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	if u.ChatName != "" {
		return u.ChatName
	}
	return u.AnonName
}

// DirectMessage 点对点消息（whisper 与私信共用同一结构）。
type DirectMessage struct {
	ID     int64     `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// Friend 好友条目。Pending 表示等待对方接受。
type Friend struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Online  bool   `json:"online"`
	Pending bool   `json:"pending,omitempty"`
}

// RoomInfo 房间元数据快照。
type RoomInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Topic       string `json:"topic,omitempty"`
	HostID      string `json:"host_id"`
	PushEnabled bool   `json:"push_enabled"` // 服务端是否为该房间开启推流
}

// Knock 敲门请求（仅 host 可见）。
type Knock struct {
	UserID string    `json:"user_id"`
	Name   string    `json:"name"`
	At     time.Time `json:"at"`
}

// SettingsCheck 设置版本号。版本变化意味着需要整页重载。
type SettingsCheck struct {
	Version int64 `json:"version"`
}

// InactivityStatus 服务端的不活跃判定结果。
type InactivityStatus struct {
	Warned bool      `json:"warned"`
	KickAt time.Time `json:"kick_at,omitempty"`
}

// MessagesSnapshot 消息通道快照。轮询与推送返回同一形状。
// Offset>0 时表示这是一页历史消息（load older），否则是实时末尾。
type MessagesSnapshot struct {
	Messages []Message `json:"messages"`
	Offset   int       `json:"offset"`
	Total    int       `json:"total"`
}

// UsersSnapshot 在线用户通道快照。
type UsersSnapshot struct {
	Users []User `json:"users"`
}

// MentionsSnapshot 提及通道快照。
type MentionsSnapshot struct {
	Mentions []Message `json:"mentions"`
}

// DirectSnapshot whisper/私信通道快照（服务端保存的全量近况）。
type DirectSnapshot struct {
	Messages []DirectMessage `json:"messages"`
}

// FriendsSnapshot 好友通道快照。
type FriendsSnapshot struct {
	Friends []Friend `json:"friends"`
}

// KnocksSnapshot 敲门通道快照。
type KnocksSnapshot struct {
	Knocks []Knock `json:"knocks"`
}
