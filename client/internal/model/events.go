package model

import "encoding/json"

// EventType 推流事件类型。服务端可能新增类型，未识别的分支记录日志后忽略。
type EventType string

const (
	EventConnected EventType = "connected" // 连接建立确认
	EventRoomData  EventType = "room_data" // 按通道分发的全量快照
	EventHeartbeat EventType = "heartbeat" // 仅作活性信号
	EventReconnect EventType = "reconnect" // 服务端指令：关闭并在短延迟后重连
	EventError     EventType = "error"     // 服务端错误通告（不触发重连）
)

// PushEvent 推流下发的事件信封。
// Channels 的每个子负载保持 RawMessage：单个通道解码失败只废弃该通道本次更新，
// 不影响其余通道（fail closed）。
type PushEvent struct {
	Type     EventType                   `json:"type"`
	Error    string                      `json:"error,omitempty"`
	Channels map[Channel]json.RawMessage `json:"channels,omitempty"`
}

// ActionStatus 动作端点的结果判别。
type ActionStatus string

const (
	ActionOK    ActionStatus = "success"
	ActionError ActionStatus = "error"

	// 房间成员资格丢失类状态。收到后会话应视为失效。
	ActionNotInRoom  ActionStatus = "not_in_room"
	ActionKicked     ActionStatus = "kicked"
	ActionBanned     ActionStatus = "banned"
	ActionRoomClosed ActionStatus = "room_closed"
)

// RoomLost 判断该状态是否属于成员资格丢失。
func (s ActionStatus) RoomLost() bool {
	switch s {
	case ActionNotInRoom, ActionKicked, ActionBanned, ActionRoomClosed:
		return true
	}
	return false
}

// ActionResult 动作端点的统一响应。成功时 Data 携带可做乐观更新的数据。
type ActionResult struct {
	Status ActionStatus    `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}
