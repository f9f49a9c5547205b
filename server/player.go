package server

import (
	"gridpresence/grid"
	"gridpresence/protocol"
)

// PlayerID 表示玩家唯一标识（凭证中的 sub）
type PlayerID string

// Player 房间内的玩家实体（服务端权威状态）
type Player struct {
	ID   PlayerID
	Info protocol.UserInfo
	Pos  grid.Position
	Dir  grid.Direction

	// init 中回传给本人的资料
	EmailPrefix   string
	StatusMessage string

	Conn *ClientConn // 网络连接的发送端（写协程）
}

// Entry 广播给其他客户端的状态
func (p *Player) Entry() protocol.PlayerEntry {
	return protocol.PlayerEntry{
		UserInfo: p.Info,
		Position: protocol.NewWirePosition(p.Pos, p.Dir),
	}
}
