package bridge

import (
	"sync"

	"gridpresence/grid"
	"gridpresence/presence"
)

// Kind 事件种类
type Kind int

const (
	// 状态层 → 渲染面
	KindPresenceSnapshot Kind = iota
	KindSelfInfoUpdate
	KindChatVisibility
	KindConnectionStatus

	// 渲染面 → 状态层
	KindLocalMoveCompleted
	KindNPCInteractionRequested
	KindSceneReady
	KindNearbyNPC
)

var kindNames = [...]string{
	KindPresenceSnapshot:        "presenceSnapshot",
	KindSelfInfoUpdate:          "selfInfoUpdate",
	KindChatVisibility:          "chatVisibility",
	KindConnectionStatus:        "connectionStatus",
	KindLocalMoveCompleted:      "localMoveCompleted",
	KindNPCInteractionRequested: "npcInteractionRequested",
	KindSceneReady:              "sceneReady",
	KindNearbyNPC:               "nearbyNPC",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// SelfInfo 本地玩家的展示信息；Position 仅在 init 下发时非空
type SelfInfo struct {
	DisplayName string
	AvatarKey   string
	StatusText  string
	Position    *grid.Position
}

// Connectivity 连接指示器
type Connectivity struct {
	Connected bool
	Permanent bool
	Online    int
}

// Move 本地一步完成（或原地转向）后的绝对位置
type Move struct {
	Position  grid.Position
	Direction grid.Direction
}

// Nearby 当前可交互的 NPC；NPC 为 nil 表示附近没有
type Nearby struct {
	NPC *presence.Identity
}

// Topic 带载荷类型的事件名
type Topic[T any] struct{ kind Kind }

func (t Topic[T]) Kind() Kind { return t.kind }

var (
	PresenceSnapshot        = Topic[presence.Snapshot]{KindPresenceSnapshot}
	SelfInfoUpdate          = Topic[SelfInfo]{KindSelfInfoUpdate}
	ChatVisibility          = Topic[bool]{KindChatVisibility}
	ConnectionStatus        = Topic[Connectivity]{KindConnectionStatus}
	LocalMoveCompleted      = Topic[Move]{KindLocalMoveCompleted}
	NPCInteractionRequested = Topic[presence.Identity]{KindNPCInteractionRequested}
	SceneReady              = Topic[struct{}]{KindSceneReady}
	NearbyNPC               = Topic[Nearby]{KindNearbyNPC}
)

type listener struct {
	id uint64
	fn any
}

// Bus 进程内同步发布/订阅；不保留历史，晚到的订阅者收不到已发布的事件
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[Kind][]listener
}

func New() *Bus {
	return &Bus{listeners: make(map[Kind][]listener)}
}

// Subscription 订阅句柄，销毁订阅方时必须 Release
type Subscription struct {
	bus  *Bus
	kind Kind
	id   uint64
	once sync.Once
}

// Release 注销订阅；可重复调用
func (s *Subscription) Release() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() { s.bus.remove(s.kind, s.id) })
}

// Subscribe 注册处理函数
func Subscribe[T any](b *Bus, t Topic[T], fn func(T)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[t.kind] = append(b.listeners[t.kind], listener{id: id, fn: fn})
	return &Subscription{bus: b, kind: t.kind, id: id}
}

// Publish 同步投递给当前所有订阅者，返回投递数。处理函数内可以再次发布或订阅。
func Publish[T any](b *Bus, t Topic[T], v T) int {
	b.mu.Lock()
	ls := append([]listener(nil), b.listeners[t.kind]...)
	b.mu.Unlock()
	for _, l := range ls {
		l.fn.(func(T))(v)
	}
	return len(ls)
}

// Listeners 当前某类事件的订阅数
func (b *Bus) Listeners(k Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[k])
}

func (b *Bus) remove(k Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[k]
	for i, l := range ls {
		if l.id == id {
			b.listeners[k] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(b.listeners[k]) == 0 {
		delete(b.listeners, k)
	}
}

// Group 批量持有订阅，一次性释放
type Group struct {
	subs []*Subscription
}

func (g *Group) Add(s *Subscription) { g.subs = append(g.subs, s) }

func (g *Group) Release() {
	for _, s := range g.subs {
		s.Release()
	}
	g.subs = nil
}
