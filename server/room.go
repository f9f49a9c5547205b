package server

import (
	"math/rand"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridpresence/grid"
	"gridpresence/metrics"
	"gridpresence/protocol"
)

// Room 房间世界：权威状态维护在内存，只由 Run 协程读写
type Room struct {
	ID string

	Players   map[PlayerID]*Player
	joinChan  chan *Player
	inputChan chan Input
	leaveChan chan leave
	done      chan struct{}

	bounds  grid.Bounds
	rng     *rand.Rand
	online  atomic.Int64
	metrics *metrics.ServerMetrics
	log     *zap.SugaredLogger

	// replaced 每个用户被挤下线的次数，用于发现互相踢的重复登录
	replaced map[PlayerID]int
}

// NewRoom 创建房间，初始化数据结构
func NewRoom(id string, bounds grid.Bounds, seed int64, m *metrics.ServerMetrics, log *zap.SugaredLogger) *Room {
	return &Room{
		ID:        id,
		Players:   make(map[PlayerID]*Player),
		joinChan:  make(chan *Player), // 无缓冲：返回时加入已完成，之后的输入与离开不会越过它
		inputChan: make(chan Input, 256), // 足够缓冲，避免网络读阻塞
		leaveChan: make(chan leave, 64),
		done:      make(chan struct{}),
		bounds:    bounds,
		rng:       rand.New(rand.NewSource(seed)),
		replaced:  make(map[PlayerID]int),
		metrics:   m,
		log:       log,
	}
}

// Online 当前在线人数
func (r *Room) Online() int { return int(r.online.Load()) }

// RequestJoin 请求在房间协程中加入玩家；房间已关闭时返回 false
func (r *Room) RequestJoin(p *Player) bool {
	select {
	case r.joinChan <- p:
		return true
	case <-r.done:
		return false
	}
}

// OnInput 入站移动（不立即改变位置），交给房间协程处理
func (r *Room) OnInput(in Input) {
	select {
	case r.inputChan <- in:
	default:
		r.metrics.IncInputsDropped()
	}
}

// RequestLeave 请求在房间协程中移除玩家，避免并发改动房间状态
func (r *Room) RequestLeave(pid PlayerID, conn *ClientConn) {
	select {
	case r.leaveChan <- leave{PlayerID: pid, Conn: conn}:
	case <-r.done:
	}
}

// JoinPlayer 分配出生点，给新玩家发 init，再通知其他人
func (r *Room) JoinPlayer(p *Player) {
	if old, ok := r.Players[p.ID]; ok {
		// 同一用户重复登录：旧会话被替换，不广播 player_left
		r.replaced[p.ID]++
		r.metrics.IncSessionsReplaced()
		if n := r.replaced[p.ID]; n > 1 {
			r.log.Warnf("room %s: %s replaced %d times, clients sharing one identity may be evicting each other", r.ID, p.ID, n)
		} else {
			r.log.Infof("room %s: %s reconnected, replacing old session", r.ID, p.ID)
		}
		old.Conn.CloseWith(protocol.CloseSessionReplaced, "Session replaced")
		delete(r.Players, p.ID)
	}
	spawn, ok := r.findSpawn()
	if !ok {
		r.log.Warnf("room %s full, rejecting %s", r.ID, p.ID)
		p.Conn.CloseWith(websocket.CloseTryAgainLater, "room is full")
		return
	}
	p.Pos, p.Dir = spawn, grid.DirDown

	welcome := protocol.InitMsg{
		Players:      make(map[string]protocol.PlayerEntry, len(r.Players)),
		YourPosition: protocol.NewWirePosition(p.Pos, p.Dir),
	}
	for id, other := range r.Players {
		welcome.Players[string(id)] = other.Entry()
	}
	if p.EmailPrefix != "" {
		prefix := p.EmailPrefix
		welcome.YourEmailPrefix = &prefix
	}
	if p.StatusMessage != "" {
		status := p.StatusMessage
		welcome.YourStatusMessage = &status
	}
	r.send(p, welcome)

	r.Players[p.ID] = p
	r.online.Store(int64(len(r.Players)))
	r.metrics.IncJoins()
	r.log.Infof("room %s: %s joined at %s (online=%d)", r.ID, p.ID, p.Pos, len(r.Players))

	r.broadcast(protocol.PlayerJoinedMsg{
		UserID:   string(p.ID),
		UserInfo: p.Info,
		Position: protocol.NewWirePosition(p.Pos, p.Dir),
	}, p.ID)
}

// LeavePlayer 将玩家移出房间并通知其他人；过期会话的离开请求被忽略
func (r *Room) LeavePlayer(lv leave) {
	p, ok := r.Players[lv.PlayerID]
	if !ok || p.Conn != lv.Conn {
		return
	}
	p.Conn.Close()
	delete(r.Players, lv.PlayerID)
	r.online.Store(int64(len(r.Players)))
	r.metrics.IncLeaves()
	r.log.Infof("room %s: %s left (online=%d)", r.ID, lv.PlayerID, len(r.Players))
	r.broadcast(protocol.PlayerLeftMsg{UserID: string(lv.PlayerID)}, "")
}

// applyMove 校验边界与占用后更新位置，并广播给其他人
func (r *Room) applyMove(in Input) {
	p, ok := r.Players[in.PlayerID]
	if !ok || p.Conn != in.Conn {
		return
	}
	target := in.Move.Cell()
	if !r.bounds.Contains(target) || r.occupied(target, p.ID) {
		r.metrics.IncMovesRejected()
		r.log.Debugf("room %s: reject move of %s to %s", r.ID, p.ID, target)
		return
	}
	p.Pos, p.Dir = target, in.Move.Direction
	r.metrics.IncMovesAccepted()
	r.broadcast(protocol.PlayerMovedMsg{
		UserID:   string(p.ID),
		Position: protocol.NewWirePosition(p.Pos, p.Dir),
	}, p.ID)
}

func (r *Room) occupied(c grid.Position, except PlayerID) bool {
	for id, p := range r.Players {
		if id != except && p.Pos == c {
			return true
		}
	}
	return false
}

// findSpawn 在内圈（不贴边）随机找一个空格，多次失败后顺序扫描
func (r *Room) findSpawn() (grid.Position, bool) {
	w, h := r.bounds.Width, r.bounds.Height
	if w < 3 || h < 3 {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if c := (grid.Position{X: x, Y: y}); !r.occupied(c, "") {
					return c, true
				}
			}
		}
		return grid.Position{}, false
	}
	for i := 0; i < 200; i++ {
		c := grid.Position{X: 1 + r.rng.Intn(w-2), Y: 1 + r.rng.Intn(h-2)}
		if !r.occupied(c, "") {
			return c, true
		}
	}
	for x := 1; x < w-1; x++ {
		for y := 1; y < h-1; y++ {
			if c := (grid.Position{X: x, Y: y}); !r.occupied(c, "") {
				return c, true
			}
		}
	}
	return grid.Position{}, false
}

func (r *Room) send(p *Player, msg protocol.Message) {
	b, err := protocol.Encode(msg)
	if err != nil {
		r.log.Errorf("encode %s: %v", msg.MessageType(), err)
		return
	}
	if !p.Conn.Enqueue(b) {
		r.metrics.IncSendsDiscarded()
	}
}

// broadcast 发给房间内除 exclude 外的所有玩家
func (r *Room) broadcast(msg protocol.Message, exclude PlayerID) {
	b, err := protocol.Encode(msg)
	if err != nil {
		r.log.Errorf("encode %s: %v", msg.MessageType(), err)
		return
	}
	for id, p := range r.Players {
		if id == exclude {
			continue
		}
		if !p.Conn.Enqueue(b) {
			r.metrics.IncSendsDiscarded()
		}
	}
}
