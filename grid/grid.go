package grid

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

const (
	// DefaultWidth 默认地图宽度（格）
	DefaultWidth = 24
	// DefaultHeight 默认地图高度（格）
	DefaultHeight = 12
)

// Direction 朝向；DirDefault 表示原地姿势（无位移）
type Direction int

const (
	DirDown Direction = iota
	DirUp
	DirLeft
	DirRight
	DirDefault
)

var directionNames = [...]string{
	DirDown:    "down",
	DirUp:      "up",
	DirLeft:    "left",
	DirRight:   "right",
	DirDefault: "default",
}

// 朝向 → 头像素材文件名
var spriteNames = [...]string{
	DirDown:    "front",
	DirUp:      "back",
	DirLeft:    "left",
	DirRight:   "right",
	DirDefault: "default",
}

func (d Direction) Valid() bool { return d >= DirDown && d <= DirDefault }

func (d Direction) String() string {
	if !d.Valid() {
		return fmt.Sprintf("Direction(%d)", int(d))
	}
	return directionNames[d]
}

// Sprite 返回该朝向对应的头像素材名
func (d Direction) Sprite() string {
	if !d.Valid() {
		return spriteNames[DirDefault]
	}
	return spriteNames[d]
}

// ParseDirection 解析线上协议中的朝向字符串（大小写不敏感）
func ParseDirection(s string) (Direction, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range directionNames {
		if name == s {
			return Direction(i), true
		}
	}
	return DirDown, false
}

func (d Direction) MarshalJSON() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid direction %d", int(d))
	}
	return json.Marshal(d.String())
}

func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, ok := ParseDirection(s)
	if !ok {
		return fmt.Errorf("unknown direction %q", s)
	}
	*d = v
	return nil
}

// Position 格子坐标，始终为整数
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Position) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

// Step 沿方向偏移一格（不做边界裁剪）；DirDefault 不位移
func (p Position) Step(d Direction) Position {
	switch d {
	case DirUp:
		p.Y--
	case DirDown:
		p.Y++
	case DirLeft:
		p.X--
	case DirRight:
		p.X++
	default:
		// no-op
	}
	return p
}

// Distance 两格之间的欧氏距离
func Distance(a, b Position) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}

// Bounds 地图尺寸，合法坐标为 [0,Width)×[0,Height)
type Bounds struct {
	Width  int
	Height int
}

// DefaultBounds 默认 24×12 地图
func DefaultBounds() Bounds { return Bounds{Width: DefaultWidth, Height: DefaultHeight} }

func (b Bounds) Contains(p Position) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < b.Width && p.Y < b.Height
}

// Clamp 越界裁剪
func (b Bounds) Clamp(p Position) Position {
	if p.X < 0 {
		p.X = 0
	}
	if p.Y < 0 {
		p.Y = 0
	}
	if p.X > b.Width-1 {
		p.X = b.Width - 1
	}
	if p.Y > b.Height-1 {
		p.Y = b.Height - 1
	}
	return p
}

// Move 执行一步移动并裁剪到边界内
func (b Bounds) Move(p Position, d Direction) Position {
	return b.Clamp(p.Step(d))
}
