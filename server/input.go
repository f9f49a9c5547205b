package server

import "gridpresence/protocol"

// Input 客户端上报的绝对位置，由房间协程校验后生效
type Input struct {
	PlayerID PlayerID
	Conn     *ClientConn
	Move     protocol.MoveMsg
}

// leave 连接结束；Conn 用来区分同一用户的新旧会话
type leave struct {
	PlayerID PlayerID
	Conn     *ClientConn
}
