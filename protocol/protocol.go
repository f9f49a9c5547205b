package protocol

import (
	"encoding/json"
	"errors"

	"gridpresence/grid"
)

// 消息类型
const (
	TypeInit         = "init"
	TypePlayerJoined = "player_joined"
	TypePlayerLeft   = "player_left"
	TypePlayerMoved  = "player_moved"
	TypeMove         = "move"
)

const (
	// CloseAuthRejected 服务端鉴权失败时使用的关闭码，客户端收到后不再重连
	CloseAuthRejected = 4001
	// CloseSessionReplaced 同一用户在别处登录，旧会话被服务端踢下线
	CloseSessionReplaced = 4002
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Message 所有入站/出站消息的公共接口
type Message interface {
	MessageType() string
}

// WirePosition 线上坐标格式
type WirePosition struct {
	GridX     int            `json:"gridX"`
	GridY     int            `json:"gridY"`
	Direction grid.Direction `json:"direction"`
}

func (p WirePosition) Cell() grid.Position { return grid.Position{X: p.GridX, Y: p.GridY} }

// NewWirePosition 从格子坐标和朝向构造线上坐标
func NewWirePosition(pos grid.Position, dir grid.Direction) WirePosition {
	return WirePosition{GridX: pos.X, GridY: pos.Y, Direction: dir}
}

// UserInfo 参与者身份信息
type UserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	EmailPrefix   string `json:"email_prefix,omitempty"`
	Name          string `json:"name"`
	StatusMessage string `json:"status_message,omitempty"`
	IsNPC         bool   `json:"is_npc,omitempty"`
}

// PlayerEntry init 消息中每个参与者的状态
type PlayerEntry struct {
	UserInfo UserInfo     `json:"user_info"`
	Position WirePosition `json:"position"`
}

// InitMsg 握手后的全量状态
type InitMsg struct {
	Type              string                 `json:"type"`
	Players           map[string]PlayerEntry `json:"players"`
	YourPosition      WirePosition           `json:"your_position"`
	YourEmailPrefix   *string                `json:"your_email_prefix,omitempty"`
	YourStatusMessage *string                `json:"your_status_message,omitempty"`
}

type PlayerJoinedMsg struct {
	Type     string       `json:"type"`
	UserID   string       `json:"user_id"`
	UserInfo UserInfo     `json:"user_info"`
	Position WirePosition `json:"position"`
}

type PlayerLeftMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

type PlayerMovedMsg struct {
	Type     string       `json:"type"`
	UserID   string       `json:"user_id"`
	Position WirePosition `json:"position"`
}

// MoveMsg 客户端上报的绝对位置（非增量）
type MoveMsg struct {
	Type      string         `json:"type"`
	GridX     int            `json:"gridX"`
	GridY     int            `json:"gridY"`
	Direction grid.Direction `json:"direction"`
}

func (InitMsg) MessageType() string         { return TypeInit }
func (PlayerJoinedMsg) MessageType() string { return TypePlayerJoined }
func (PlayerLeftMsg) MessageType() string   { return TypePlayerLeft }
func (PlayerMovedMsg) MessageType() string  { return TypePlayerMoved }
func (MoveMsg) MessageType() string         { return TypeMove }

// NewMove 构造出站 move 消息
func NewMove(pos grid.Position, dir grid.Direction) MoveMsg {
	return MoveMsg{Type: TypeMove, GridX: pos.X, GridY: pos.Y, Direction: dir}
}

func (m MoveMsg) Cell() grid.Position { return grid.Position{X: m.GridX, Y: m.GridY} }

// Encode 序列化消息，自动补全 type 字段
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case InitMsg:
		v.Type = TypeInit
		if v.Players == nil {
			v.Players = map[string]PlayerEntry{}
		}
		return json.Marshal(v)
	case PlayerJoinedMsg:
		v.Type = TypePlayerJoined
		return json.Marshal(v)
	case PlayerLeftMsg:
		v.Type = TypePlayerLeft
		return json.Marshal(v)
	case PlayerMovedMsg:
		v.Type = TypePlayerMoved
		return json.Marshal(v)
	case MoveMsg:
		v.Type = TypeMove
		return json.Marshal(v)
	default:
		return nil, ErrUnknownType
	}
}
