package movement

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridpresence/bridge"
	"gridpresence/grid"
)

type recorder struct {
	moves []bridge.Move
}

func newMachine(t *testing.T) (*Machine, *recorder) {
	t.Helper()
	bus := bridge.New()
	rec := &recorder{}
	sub := bridge.Subscribe(bus, bridge.LocalMoveCompleted, func(m bridge.Move) { rec.moves = append(rec.moves, m) })
	t.Cleanup(sub.Release)
	return New(grid.DefaultBounds(), DefaultStepDuration, bus), rec
}

func TestIntentPriority(t *testing.T) {
	cases := []struct {
		in   Input
		want grid.Direction
		ok   bool
	}{
		{Input{Up: true, Left: true}, grid.DirUp, true},
		{Input{Down: true, Right: true}, grid.DirDown, true},
		{Input{Left: true, Right: true}, grid.DirLeft, true},
		{Input{Up: true, Down: true, Left: true, Right: true, Pose: true}, grid.DirDefault, true},
		{Input{}, grid.DirDown, false},
	}
	for _, c := range cases {
		got, ok := c.in.Intent()
		assert.Equal(t, c.want, got, "intent %+v", c.in)
		assert.Equal(t, c.ok, ok, "intent %+v", c.in)
	}
}

func TestHoldUpAndLeftMovesUp(t *testing.T) {
	m, rec := newMachine(t)
	m.Place(grid.Position{X: 5, Y: 5})
	start := time.Unix(0, 0)

	m.Tick(start, Input{Up: true, Left: true})
	m.Tick(start.Add(DefaultStepDuration), Input{})

	require.Len(t, rec.moves, 1)
	assert.Equal(t, bridge.Move{Position: grid.Position{X: 5, Y: 4}, Direction: grid.DirUp}, rec.moves[0])
}

func TestCornerTurnEmitsOnce(t *testing.T) {
	m, rec := newMachine(t)
	m.Place(grid.Position{X: 0, Y: 0})
	start := time.Unix(0, 0)

	for i := 0; i < 60; i++ {
		m.Tick(start.Add(time.Duration(i)*16*time.Millisecond), Input{Left: true})
	}

	require.Len(t, rec.moves, 1, "moves: %+v", rec.moves)
	assert.Equal(t, bridge.Move{Position: grid.Position{X: 0, Y: 0}, Direction: grid.DirLeft}, rec.moves[0])
	assert.Equal(t, grid.Position{}, m.Position())
}

func TestNoSecondMoveWhileAnimating(t *testing.T) {
	m, rec := newMachine(t)
	m.Place(grid.Position{X: 10, Y: 5})
	start := time.Unix(0, 0)

	m.Tick(start, Input{Right: true})
	for i := 1; i < 15; i++ {
		m.Tick(start.Add(time.Duration(i)*10*time.Millisecond), Input{Up: i%2 == 0, Down: i%2 == 1})
		require.Empty(t, rec.moves, "move emitted after %dms, before animation finished", i*10)
		require.Equal(t, Moving, m.State(), "at %dms", i*10)
	}
	m.Tick(start.Add(DefaultStepDuration), Input{})
	require.Len(t, rec.moves, 1)
	assert.Equal(t, grid.Position{X: 11, Y: 5}, rec.moves[0].Position)
}

func TestHeldKeyStepsContinuously(t *testing.T) {
	m, rec := newMachine(t)
	m.Place(grid.Position{X: 0, Y: 5})
	start := time.Unix(0, 0)

	for i := 0; i <= 4; i++ {
		m.Tick(start.Add(time.Duration(i)*DefaultStepDuration), Input{Right: true})
	}

	require.Len(t, rec.moves, 4)
	for i, mv := range rec.moves {
		assert.Equal(t, i+1, mv.Position.X, "step %d", i)
	}
}

func TestPoseOverridesAndRepeatsAreNoop(t *testing.T) {
	m, rec := newMachine(t)
	m.Place(grid.Position{X: 3, Y: 3})
	start := time.Unix(0, 0)

	m.Tick(start, Input{Pose: true, Right: true})
	m.Tick(start.Add(DefaultStepDuration), Input{Pose: true})
	m.Tick(start.Add(2*DefaultStepDuration), Input{Pose: true})

	require.Len(t, rec.moves, 1)
	assert.Equal(t, bridge.Move{Position: grid.Position{X: 3, Y: 3}, Direction: grid.DirDefault}, rec.moves[0])
}

func TestSuppressedIgnoresInputButFinishesStep(t *testing.T) {
	m, rec := newMachine(t)
	m.Place(grid.Position{X: 3, Y: 3})
	start := time.Unix(0, 0)

	m.Tick(start, Input{Down: true})
	m.SetSuppressed(true)
	m.Tick(start.Add(DefaultStepDuration), Input{Down: true})
	m.Tick(start.Add(3*DefaultStepDuration), Input{Down: true})

	assert.Len(t, rec.moves, 1, "only the in-flight step completes")
	assert.Equal(t, Idle, m.State())
	assert.Equal(t, grid.Position{X: 3, Y: 4}, m.Position())
}

func TestRandomInputStaysInBounds(t *testing.T) {
	m, rec := newMachine(t)
	b := grid.DefaultBounds()
	rng := rand.New(rand.NewSource(11))
	now := time.Unix(0, 0)

	for i := 0; i < 5000; i++ {
		in := Input{Up: rng.Intn(4) == 0, Down: rng.Intn(4) == 0, Left: rng.Intn(4) == 0, Right: rng.Intn(4) == 0, Pose: rng.Intn(20) == 0}
		now = now.Add(time.Duration(rng.Intn(80)) * time.Millisecond)
		m.Tick(now, in)
		require.True(t, b.Contains(m.Position()), "position %s out of bounds", m.Position())
	}
	for _, mv := range rec.moves {
		require.True(t, b.Contains(mv.Position), "emitted position %s out of bounds", mv.Position)
	}
}

func TestPlaceIgnoredWhileMoving(t *testing.T) {
	m, _ := newMachine(t)
	m.Place(grid.Position{X: 1, Y: 1})
	m.Tick(time.Unix(0, 0), Input{Right: true})
	assert.False(t, m.Place(grid.Position{X: 9, Y: 9}))
	assert.Equal(t, grid.Position{X: 2, Y: 1}, m.Position())
}
