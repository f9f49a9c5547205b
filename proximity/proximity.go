package proximity

import (
	"gridpresence/bridge"
	"gridpresence/grid"
	"gridpresence/presence"
)

// Near 本格及 8 邻域都算“附近”
func Near(self, other grid.Position) bool {
	dx := abs(self.X - other.X)
	dy := abs(self.Y - other.Y)
	return dx <= 1 && dy <= 1 && dx+dy <= 2
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Candidates 返回所有在附近的 NPC，按欧氏距离升序、同距按 id
func Candidates(self grid.Position, snap presence.Snapshot) []presence.State {
	var out []presence.State
	for _, st := range snap.NPCs() {
		if Near(self, st.Position) {
			out = append(out, st)
		}
	}
	// NPCs() 已按 id 排序，稳定插入排序保持同距时的 id 顺序
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && grid.Distance(self, out[j].Position) < grid.Distance(self, out[j-1].Position); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Detector 每帧计算最近的 NPC，进入/离开时发布一次 nearbyNPC
type Detector struct {
	bus     *bridge.Bus
	current *presence.Identity
}

func NewDetector(bus *bridge.Bus) *Detector {
	return &Detector{bus: bus}
}

// Update 重新计算；返回当前附近的 NPC（可能为 nil）
func (d *Detector) Update(self grid.Position, snap presence.Snapshot) *presence.Identity {
	var next *presence.Identity
	if c := Candidates(self, snap); len(c) > 0 {
		id := c[0].Identity
		next = &id
	}
	if sameNPC(d.current, next) {
		d.current = next
		return next
	}
	d.current = next
	if d.bus != nil {
		bridge.Publish(d.bus, bridge.NearbyNPC, bridge.Nearby{NPC: next})
	}
	return next
}

// Current 当前附近的 NPC
func (d *Detector) Current() *presence.Identity { return d.current }

func sameNPC(a, b *presence.Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}
