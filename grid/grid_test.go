package grid

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundsMoveNeverLeavesGrid(t *testing.T) {
	b := Bounds{Width: 4, Height: 3}
	dirs := []Direction{DirUp, DirDown, DirLeft, DirRight, DirDefault}
	for x := 0; x < b.Width; x++ {
		for y := 0; y < b.Height; y++ {
			for _, d := range dirs {
				p := b.Move(Position{X: x, Y: y}, d)
				require.True(t, b.Contains(p), "move %s from (%d,%d) left grid: %s", d, x, y, p)
			}
		}
	}
}

func TestBoundsMoveClampsAtEdges(t *testing.T) {
	b := DefaultBounds()
	cases := []struct {
		from Position
		dir  Direction
		want Position
	}{
		{Position{0, 0}, DirLeft, Position{0, 0}},
		{Position{0, 0}, DirUp, Position{0, 0}},
		{Position{23, 11}, DirRight, Position{23, 11}},
		{Position{23, 11}, DirDown, Position{23, 11}},
		{Position{5, 5}, DirDefault, Position{5, 5}},
		{Position{5, 5}, DirUp, Position{5, 4}},
		{Position{5, 5}, DirRight, Position{6, 5}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, b.Move(c.from, c.dir), "move %s from %s", c.dir, c.from)
	}
}

func TestDirectionJSON(t *testing.T) {
	b, err := json.Marshal(DirLeft)
	require.NoError(t, err)
	assert.Equal(t, `"left"`, string(b))

	var d Direction
	require.NoError(t, json.Unmarshal([]byte(`"DEFAULT"`), &d))
	assert.Equal(t, DirDefault, d)
	assert.Error(t, json.Unmarshal([]byte(`"north"`), &d))
}

func TestDirectionSprite(t *testing.T) {
	want := map[Direction]string{
		DirUp:         "back",
		DirDown:       "front",
		DirLeft:       "left",
		DirRight:      "right",
		DirDefault:    "default",
		Direction(42): "default",
	}
	for d, s := range want {
		assert.Equal(t, s, d.Sprite(), "sprite for %s", d)
	}
}
