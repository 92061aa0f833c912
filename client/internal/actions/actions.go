package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"roomcast/client/internal/model"
	"roomcast/client/internal/request"
)

// ErrRoomLost 会话已失去房间成员资格（被踢/被封/房间关闭/不在房间）。
// 上层收到后应走会话失效路径，不做自动重试。
var ErrRoomLost = errors.New("room membership lost")

// Client 用户主动动作的统一出口。
// 所有动作走共享的请求管理器（与轮询同一套并发上限），不去重：
// 每次点击都是独立请求，幂等性靠 event_id 由服务端处理。
type Client struct {
	requests *request.Manager
	roomID   string
	logger   *log.Logger
}

// NewClient 创建动作客户端。
func NewClient(requests *request.Manager, roomID string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{requests: requests, roomID: roomID, logger: logger}
}

// do 发出动作请求并解析统一的 ActionResult。
// 业务错误原样上抛；成员资格丢失翻译成 ErrRoomLost（包住具体状态码）。
func (c *Client) do(ctx context.Context, endpoint string, body map[string]any) (model.ActionResult, error) {
	if body == nil {
		body = map[string]any{}
	}
	body["room_id"] = c.roomID
	body["event_id"] = uuid.NewString()

	p, err := c.requests.Do(request.Spec{
		Endpoint: endpoint,
		Method:   http.MethodPost,
		Body:     body,
	})
	if err != nil {
		return model.ActionResult{}, err
	}

	res, err := p.Wait(ctx)
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("action %s: %w", endpoint, err)
	}

	var ar model.ActionResult
	if err := json.Unmarshal(res.Body, &ar); err != nil {
		return model.ActionResult{}, fmt.Errorf("action %s: decode result: %w", endpoint, err)
	}

	switch {
	case ar.Status == model.ActionOK:
		return ar, nil
	case ar.Status.RoomLost():
		c.logger.Printf("[Actions] room membership lost: endpoint=%s status=%s", endpoint, ar.Status)
		return ar, fmt.Errorf("%w: %s", ErrRoomLost, ar.Status)
	default:
		// 业务错误：一字不改地交给展示层，绝不吞掉、绝不自动重试
		return ar, fmt.Errorf("action %s: %s", endpoint, ar.Error)
	}
}

// SendMessage 发送房间公开消息。
func (c *Client) SendMessage(ctx context.Context, body string) error {
	_, err := c.do(ctx, "/api/actions/message", map[string]any{"body": body})
	return err
}

// SendWhisper 发送 whisper。
func (c *Client) SendWhisper(ctx context.Context, to, body string) error {
	_, err := c.do(ctx, "/api/actions/whisper", map[string]any{"to": to, "body": body})
	return err
}

// SendPrivate 发送私信。
func (c *Client) SendPrivate(ctx context.Context, to, body string) error {
	_, err := c.do(ctx, "/api/actions/private_message", map[string]any{"to": to, "body": body})
	return err
}

// AddFriend 发起加好友。
func (c *Client) AddFriend(ctx context.Context, userID string) error {
	_, err := c.do(ctx, "/api/actions/friend/add", map[string]any{"user_id": userID})
	return err
}

// AcceptFriend 接受好友请求。
func (c *Client) AcceptFriend(ctx context.Context, userID string) error {
	_, err := c.do(ctx, "/api/actions/friend/accept", map[string]any{"user_id": userID})
	return err
}

// AcceptKnock host 放行敲门。
func (c *Client) AcceptKnock(ctx context.Context, userID string) error {
	_, err := c.do(ctx, "/api/actions/knock/accept", map[string]any{"user_id": userID})
	return err
}

// SuggestVideo 推荐一条视频进待审列表。
func (c *Client) SuggestVideo(ctx context.Context, videoID, title string) error {
	_, err := c.do(ctx, "/api/actions/media/suggest", map[string]any{"video_id": videoID, "title": title})
	return err
}

// ApproveSuggestion host 批准建议（服务端把条目搬到队尾）。
func (c *Client) ApproveSuggestion(ctx context.Context, id int64) error {
	_, err := c.do(ctx, "/api/actions/media/approve", map[string]any{"suggestion_id": id})
	return err
}

// DenySuggestion host 拒绝建议。
func (c *Client) DenySuggestion(ctx context.Context, id int64) error {
	_, err := c.do(ctx, "/api/actions/media/deny", map[string]any{"suggestion_id": id})
	return err
}

// mediaCommand 状态指令共用路径，返回更新后的 sync token。
func (c *Client) mediaCommand(ctx context.Context, cmd string) (model.MediaCommandResult, error) {
	ar, err := c.do(ctx, "/api/actions/media/"+cmd, nil)
	if err != nil {
		return model.MediaCommandResult{}, err
	}
	var out model.MediaCommandResult
	if len(ar.Data) > 0 {
		if err := json.Unmarshal(ar.Data, &out); err != nil {
			return model.MediaCommandResult{}, fmt.Errorf("media %s: decode token: %w", cmd, err)
		}
	}
	return out, nil
}

// MediaPlay host 指令：播放。
func (c *Client) MediaPlay(ctx context.Context) (model.MediaCommandResult, error) {
	return c.mediaCommand(ctx, "play")
}

// MediaPause host 指令：暂停。
func (c *Client) MediaPause(ctx context.Context) (model.MediaCommandResult, error) {
	return c.mediaCommand(ctx, "pause")
}

// MediaSkip host 指令：切下一条。
func (c *Client) MediaSkip(ctx context.Context) (model.MediaCommandResult, error) {
	return c.mediaCommand(ctx, "skip")
}

// MediaStop host 指令：停止。
func (c *Client) MediaStop(ctx context.Context) (model.MediaCommandResult, error) {
	return c.mediaCommand(ctx, "stop")
}

// FetchMedia 拉取共享播放合并快照（队列+待审+权威状态）。
// 去重 key 固定：同一时刻只会有一个合并快照请求在途。
func (c *Client) FetchMedia(ctx context.Context) (model.MediaSnapshot, error) {
	q := url.Values{}
	q.Set("room_id", c.roomID)
	p, err := c.requests.Do(request.Spec{
		Endpoint: "/api/rooms/media",
		Query:    q,
		DedupKey: "media?room=" + c.roomID,
	})
	if err != nil {
		return model.MediaSnapshot{}, err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return model.MediaSnapshot{}, fmt.Errorf("fetch media: %w", err)
	}
	var snap model.MediaSnapshot
	if err := json.Unmarshal(res.Body, &snap); err != nil {
		return model.MediaSnapshot{}, fmt.Errorf("fetch media: decode: %w", err)
	}
	return snap, nil
}
