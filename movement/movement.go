package movement

import (
	"time"

	"gridpresence/bridge"
	"gridpresence/grid"
)

// DefaultStepDuration 每格移动动画时长
const DefaultStepDuration = 150 * time.Millisecond

// Input 当前按住的按键（每帧采样，不做排队）
type Input struct {
	Up    bool `json:"up"`
	Down  bool `json:"down"`
	Left  bool `json:"left"`
	Right bool `json:"right"`
	Pose  bool `json:"pose"`
}

// Intent 解析意图：姿势键优先，其余按 up > down > left > right
func (in Input) Intent() (grid.Direction, bool) {
	switch {
	case in.Pose:
		return grid.DirDefault, true
	case in.Up:
		return grid.DirUp, true
	case in.Down:
		return grid.DirDown, true
	case in.Left:
		return grid.DirLeft, true
	case in.Right:
		return grid.DirRight, true
	default:
		return grid.DirDown, false
	}
}

// State 状态机状态
type State int

const (
	Idle State = iota
	Moving
)

func (s State) String() string {
	if s == Moving {
		return "moving"
	}
	return "idle"
}

// Machine 本地玩家的格子移动状态机；本地位置只由它修改
type Machine struct {
	bounds   grid.Bounds
	duration time.Duration
	bus      *bridge.Bus

	state     State
	pos       grid.Position
	dir       grid.Direction
	startedAt time.Time

	suppressed bool
}

// New 创建状态机，初始为 Idle
func New(bounds grid.Bounds, duration time.Duration, bus *bridge.Bus) *Machine {
	if duration <= 0 {
		duration = DefaultStepDuration
	}
	return &Machine{bounds: bounds, duration: duration, bus: bus, dir: grid.DirDown}
}

// Place 设置初始位置（来自 init）；移动中忽略
func (m *Machine) Place(pos grid.Position) bool {
	if m.state == Moving {
		return false
	}
	m.pos = m.bounds.Clamp(pos)
	return true
}

// SetSuppressed 聊天窗口打开时屏蔽输入；已开始的一步仍会完成
func (m *Machine) SetSuppressed(v bool) { m.suppressed = v }

func (m *Machine) Position() grid.Position { return m.pos }

func (m *Machine) Direction() grid.Direction { return m.dir }

func (m *Machine) State() State { return m.state }

// Tick 每帧调用：先结算到期的一步并发布 localMoveCompleted，再重新采样按键
func (m *Machine) Tick(now time.Time, in Input) {
	if m.state == Moving {
		if now.Sub(m.startedAt) < m.duration {
			return
		}
		m.state = Idle
		if m.bus != nil {
			bridge.Publish(m.bus, bridge.LocalMoveCompleted, bridge.Move{Position: m.pos, Direction: m.dir})
		}
	}
	if m.suppressed {
		return
	}
	dir, ok := in.Intent()
	if !ok {
		return
	}
	target := m.bounds.Move(m.pos, dir)
	if target == m.pos && dir == m.dir {
		// 重复的原地方向，无事发生
		return
	}
	m.pos = target
	m.dir = dir
	m.state = Moving
	m.startedAt = now
}
