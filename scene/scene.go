package scene

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridpresence/bridge"
	"gridpresence/grid"
	"gridpresence/logger"
	"gridpresence/movement"
	"gridpresence/presence"
	"gridpresence/proximity"
)

// DefaultTexture 头像资源未知时使用
const DefaultTexture = "__DEFAULT"

// TextureKey 头像键 + 朝向 → 贴图名，例如 alice_back
func TextureKey(avatarKey string, d grid.Direction) string {
	if avatarKey == "" {
		return DefaultTexture
	}
	return avatarKey + "_" + d.Sprite()
}

// Avatar 一个可见角色的渲染状态
type Avatar struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	StatusText  string         `json:"status_text,omitempty"`
	Texture     string         `json:"texture"`
	Position    grid.Position  `json:"position"`
	Direction   grid.Direction `json:"direction"`
	// Depth 按行排序绘制
	Depth int  `json:"depth"`
	IsNPC bool `json:"is_npc,omitempty"`
	Self  bool `json:"self,omitempty"`
}

// View 渲染面的只读视图
type View struct {
	Self     Avatar             `json:"self"`
	Remote   []Avatar           `json:"remote"`
	Moving   bool               `json:"moving"`
	ChatOpen bool               `json:"chat_open"`
	Nearby   *presence.Identity `json:"nearby,omitempty"`
}

// Options 渲染面配置
type Options struct {
	Bounds       grid.Bounds
	StepDuration time.Duration
	Logger       *zap.SugaredLogger
}

// Scene 无界面的渲染面：镜像状态层下发的快照，持有本地移动状态机与邻近检测。
// 除 View 外的方法与订阅回调都在同一个协程（运行循环）中调用。
type Scene struct {
	bus      *bridge.Bus
	machine  *movement.Machine
	detector *proximity.Detector
	subs     bridge.Group
	log      *zap.SugaredLogger

	remote   presence.Snapshot
	self     bridge.SelfInfo
	chatOpen bool
	pending  *grid.Position
	started  bool
	closed   bool

	viewMu sync.RWMutex
	view   View
}

func New(bus *bridge.Bus, opts Options) *Scene {
	if opts.Bounds.Width <= 0 || opts.Bounds.Height <= 0 {
		opts.Bounds = grid.DefaultBounds()
	}
	s := &Scene{
		bus:      bus,
		machine:  movement.New(opts.Bounds, opts.StepDuration, bus),
		detector: proximity.NewDetector(bus),
		log:      logger.Or(opts.Logger),
		remote:   presence.Snapshot{},
	}
	s.refresh()
	return s
}

// Start 注册订阅后发布 sceneReady，状态层据此重发当前快照
func (s *Scene) Start() {
	if s.started || s.closed {
		return
	}
	s.started = true
	s.subs.Add(bridge.Subscribe(s.bus, bridge.PresenceSnapshot, s.onSnapshot))
	s.subs.Add(bridge.Subscribe(s.bus, bridge.SelfInfoUpdate, s.onSelfInfo))
	s.subs.Add(bridge.Subscribe(s.bus, bridge.ChatVisibility, s.onChatVisibility))
	s.log.Debugf("scene ready")
	bridge.Publish(s.bus, bridge.SceneReady, struct{}{})
}

// Close 释放全部订阅；可重复调用
func (s *Scene) Close() {
	s.closed = true
	s.subs.Release()
}

func (s *Scene) onSnapshot(snap presence.Snapshot) {
	s.remote = snap
	s.refresh()
}

func (s *Scene) onSelfInfo(info bridge.SelfInfo) {
	if info.Position != nil {
		pos := *info.Position
		if s.machine.Place(pos) {
			s.pending = nil
		} else {
			// 动画中：等这一步结束再落位
			s.pending = &pos
		}
	}
	info.Position = nil
	s.self = info
	s.refresh()
}

func (s *Scene) onChatVisibility(open bool) {
	s.chatOpen = open
	s.machine.SetSuppressed(open)
	s.log.Debugf("chat visible=%v", open)
	s.refresh()
}

// Frame 推进一帧：状态机结算与采样，然后跑邻近检测（聊天打开时仍运行）
func (s *Scene) Frame(now time.Time, in movement.Input) {
	if s.closed {
		return
	}
	s.machine.Tick(now, in)
	if s.pending != nil && s.machine.State() == movement.Idle {
		s.machine.Place(*s.pending)
		s.pending = nil
	}
	s.detector.Update(s.machine.Position(), s.remote)
	s.refresh()
}

// Interact 附近有 NPC 且聊天未打开时发布 npcInteractionRequested
func (s *Scene) Interact() bool {
	npc := s.detector.Current()
	if s.closed || s.chatOpen || npc == nil {
		return false
	}
	bridge.Publish(s.bus, bridge.NPCInteractionRequested, *npc)
	return true
}

// Position 本地玩家当前格
func (s *Scene) Position() grid.Position { return s.machine.Position() }

// Nearby 当前附近的 NPC
func (s *Scene) Nearby() *presence.Identity { return s.detector.Current() }

// View 最近一次刷新的渲染状态；可在任意协程调用
func (s *Scene) View() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

func (s *Scene) refresh() {
	pos, dir := s.machine.Position(), s.machine.Direction()
	v := View{
		Self: Avatar{
			DisplayName: s.self.DisplayName,
			StatusText:  s.self.StatusText,
			Texture:     TextureKey(s.self.AvatarKey, dir),
			Position:    pos,
			Direction:   dir,
			Depth:       pos.Y,
			Self:        true,
		},
		Remote:   make([]Avatar, 0, len(s.remote)),
		Moving:   s.machine.State() == movement.Moving,
		ChatOpen: s.chatOpen,
	}
	if npc := s.detector.Current(); npc != nil {
		id := *npc
		v.Nearby = &id
	}
	for _, st := range s.remote.Sorted() {
		v.Remote = append(v.Remote, Avatar{
			ID:          st.Identity.ID,
			DisplayName: st.Identity.DisplayName,
			StatusText:  st.Identity.StatusText,
			Texture:     TextureKey(st.Identity.AvatarKey, st.Direction),
			Position:    st.Position,
			Direction:   st.Direction,
			Depth:       st.Position.Y,
			IsNPC:       st.Identity.IsNPC,
		})
	}
	sort.SliceStable(v.Remote, func(i, j int) bool { return v.Remote[i].Depth < v.Remote[j].Depth })

	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()
}
