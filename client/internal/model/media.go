package model

// PlaybackState 共享播放的权威状态。服务端持有权威，客户端只读镜像。
// SyncToken 每次状态变更单调递增，客户端只做不等比较，不解释其内容。
type PlaybackState struct {
	SyncToken   string  `json:"sync_token"`
	VideoID     string  `json:"video_id,omitempty"` // 空串表示当前无视频
	CurrentTime float64 `json:"current_time"`       // 秒
	IsPlaying   bool    `json:"is_playing"`
}

// QueueItem 已批准进入播放队列的条目。
type QueueItem struct {
	ID      int64  `json:"id"`
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
	AddedBy string `json:"added_by"`
}

// Suggestion 待 host 批准的推荐条目。
type Suggestion struct {
	ID          int64  `json:"id"`
	VideoID     string `json:"video_id"`
	Title       string `json:"title"`
	SuggestedBy string `json:"suggested_by"`
}

// MediaSnapshot 共享播放通道的合并快照：权威状态 + 队列 + 待审。
type MediaSnapshot struct {
	State       PlaybackState `json:"state"`
	Queue       []QueueItem   `json:"queue"`
	Suggestions []Suggestion  `json:"suggestions"`
}

// MediaCommandResult host 指令的返回，携带更新后的 sync token 供本地镜像。
type MediaCommandResult struct {
	SyncToken string `json:"sync_token"`
}
