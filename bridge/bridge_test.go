package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gridpresence/grid"
	"gridpresence/presence"
)

func TestNoReplayForLateSubscribers(t *testing.T) {
	b := New()
	assert.Equal(t, 0, Publish(b, ChatVisibility, true))

	var got []bool
	Subscribe(b, ChatVisibility, func(v bool) { got = append(got, v) })
	assert.Empty(t, got, "late subscriber received history")

	Publish(b, ChatVisibility, false)
	assert.Equal(t, []bool{false}, got)
}

func TestReleaseStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub := Subscribe(b, LocalMoveCompleted, func(Move) { count++ })
	Publish(b, LocalMoveCompleted, Move{Position: grid.Position{X: 1}, Direction: grid.DirRight})

	sub.Release()
	sub.Release()
	Publish(b, LocalMoveCompleted, Move{})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, b.Listeners(KindLocalMoveCompleted))
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New()
	var snaps, ready int
	Subscribe(b, PresenceSnapshot, func(presence.Snapshot) { snaps++ })
	Subscribe(b, SceneReady, func(struct{}) { ready++ })

	Publish(b, SceneReady, struct{}{})

	assert.Equal(t, 0, snaps)
	assert.Equal(t, 1, ready)
}

func TestPublishFromHandler(t *testing.T) {
	b := New()
	var order []string
	Subscribe(b, SceneReady, func(struct{}) {
		order = append(order, "ready")
		Publish(b, SelfInfoUpdate, SelfInfo{DisplayName: "me"})
	})
	Subscribe(b, SelfInfoUpdate, func(s SelfInfo) { order = append(order, "self:"+s.DisplayName) })

	Publish(b, SceneReady, struct{}{})

	assert.Equal(t, []string{"ready", "self:me"}, order)
}

func TestGroupRelease(t *testing.T) {
	b := New()
	var g Group
	g.Add(Subscribe(b, ChatVisibility, func(bool) {}))
	g.Add(Subscribe(b, NearbyNPC, func(Nearby) {}))
	g.Release()
	assert.Zero(t, b.Listeners(KindChatVisibility)+b.Listeners(KindNearbyNPC), "group release left listeners behind")
}
