package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridpresence/directory"
	"gridpresence/presence"
	"gridpresence/protocol"
)

// ClientConn 一个 websocket 会话：发送队列 + 关闭码
type ClientConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	closeCode   int
	closeReason string

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClientConn(ws *websocket.Conn, writeWait, pongWait time.Duration) *ClientConn {
	return &ClientConn{
		ws:         ws,
		send:       make(chan []byte, 64),
		done:       make(chan struct{}),
		closeCode:  websocket.CloseNormalClosure,
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pongWait * 9 / 10,
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞，满或已关闭则丢弃）
func (c *ClientConn) Enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close 通知写协程发送 close 帧并关闭底层连接；可重复调用
func (c *ClientConn) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith 以指定关闭码结束连接；只有第一次调用生效
func (c *ClientConn) CloseWith(code int, reason string) {
	c.once.Do(func() {
		c.closeCode, c.closeReason = code, reason
		close(c.done)
	})
}

// writePump 独立协程，负责从 send 队列写出到 WS 并定期 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason),
				time.Now().Add(c.writeWait))
			return
		}
	}
}

// drain 关闭前把队列里已有的消息写完
func (c *ClientConn) drain() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump 读取客户端的 move，校验后注入房间
func (c *ClientConn) readPump(s *Server, room *Room, playerID PlayerID) {
	defer c.ws.Close()
	// 读泵退出时，通知房间在事件循环中移除该玩家
	defer room.RequestLeave(playerID, c)
	c.ws.SetReadLimit(64 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		msg, err := s.decoder.Decode(payload)
		if err != nil {
			s.metrics.IncBadFrames()
			s.log.Debugf("player %s: drop frame: %v", playerID, err)
			continue
		}
		mv, ok := msg.(protocol.MoveMsg)
		if !ok {
			s.metrics.IncBadFrames()
			continue
		}
		room.OnInput(Input{PlayerID: playerID, Conn: c, Move: mv})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 参考服务端：允许所有来源
		return true
	},
}

// HandleWS WebSocket 接入：/ws?token=<jwt>&room=lobby
// 先升级再校验凭证；校验失败以 4001 关闭
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = DefaultRoom
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade error: %v", err)
		return
	}

	claims, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		s.metrics.IncAuthRejected()
		s.log.Warnf("ws auth failed: %v", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseAuthRejected, "Authentication failed"),
			time.Now().Add(s.writeWait))
		_ = ws.Close()
		return
	}

	client := NewClientConn(ws, s.writeWait, s.pongWait)
	player := s.newPlayer(r.Context(), claims.Subject, claims.Email, claims.Name, client)
	s.log.Infof("ws auth ok: %s (%s)", player.ID, player.Info.Name)

	room := s.rooms.GetOrCreateRoom(roomID)
	go client.writePump()
	if !room.RequestJoin(player) {
		client.CloseWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	go client.readPump(s, room, player.ID)
}

// newPlayer 用凭证声明和目录资料组装 user_info
func (s *Server) newPlayer(ctx context.Context, id, email, name string, conn *ClientConn) *Player {
	if strings.TrimSpace(name) == "" {
		name = "Unknown"
	}
	p := &Player{
		ID: PlayerID(id),
		Info: protocol.UserInfo{
			ID:    id,
			Email: email,
			Name:  name,
		},
		EmailPrefix: presence.EmailPrefix(email),
		Conn:        conn,
	}
	if s.profiles != nil {
		prof, err := s.profiles.Get(ctx, id)
		switch {
		case err == nil:
			if prof.DisplayName != "" {
				p.Info.Name = prof.DisplayName
			}
			if prof.AvatarKey != "" {
				p.EmailPrefix = prof.AvatarKey
			}
			p.StatusMessage = prof.StatusText
			p.Info.StatusMessage = prof.StatusText
		case errors.Is(err, directory.ErrNotFound):
		default:
			s.log.Warnf("profile lookup %s: %v", id, err)
		}
	}
	p.Info.EmailPrefix = p.EmailPrefix
	return p
}
