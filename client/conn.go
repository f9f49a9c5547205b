package client

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn 对单条 websocket 的轻量包装：一个写协程、一个读循环
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func newConn(ws *websocket.Conn, writeWait, pongWait time.Duration) *conn {
	return &conn{
		ws:         ws,
		send:       make(chan []byte, 64),
		done:       make(chan struct{}),
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pongWait * 9 / 10,
	}
}

// enqueue 非阻塞写入发送队列；连接已关闭或队列满时丢弃
func (c *conn) enqueue(b []byte) bool {
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

// shutdown 通知写协程发送 close 帧并关闭底层连接；可重复调用
func (c *conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// writePump 独立协程，负责从 send 队列写出并定期 ping
func (c *conn) writePump() {
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
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait))
			return
		}
	}
}

// readPump 按到达顺序把每一帧交给 onFrame，返回导致连接结束的错误
func (c *conn) readPump(onFrame func([]byte)) error {
	defer c.shutdown()
	c.ws.SetReadLimit(1 << 20) // 1MB
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		if onFrame != nil {
			onFrame(payload)
		}
	}
}

// closeCode 从读错误中取出对端的关闭码；非 close 帧导致的结束返回 0
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
