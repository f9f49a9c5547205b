package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"gridpresence/auth"
	"gridpresence/directory"
	"gridpresence/grid"
	"gridpresence/metrics"
	"gridpresence/protocol"
)

const testSecret = "test-secret"

type fakeProfiles map[string]directory.Profile

func (f fakeProfiles) Get(_ context.Context, id string) (directory.Profile, error) {
	p, ok := f[id]
	if !ok {
		return directory.Profile{}, directory.ErrNotFound
	}
	return p, nil
}

func startServer(t *testing.T, profiles ProfileLookup) (*Server, string) {
	t.Helper()
	s, err := New(Options{
		Bounds:   grid.DefaultBounds(),
		Verifier: auth.NewVerifier(testSecret, nil),
		Profiles: profiles,
		Metrics:  &metrics.ServerMetrics{},
		Logger:   zaptest.NewLogger(t).Sugar(),
		Seed:     42,
	})
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Close()
		hs.Close()
	})
	return s, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func token(t *testing.T, sub, email, name string) string {
	t.Helper()
	now := time.Now()
	tok, err := auth.Issue(testSecret, auth.Claims{Subject: sub, Email: email, Name: name, ExpiresAt: now.Add(time.Hour)}, now)
	require.NoError(t, err)
	return tok
}

func dial(t *testing.T, url, tok string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+tok, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read[T any](t *testing.T, ws *websocket.Conn, wantType string) T {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := ws.ReadMessage()
	require.NoError(t, err)
	var base struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(b, &base))
	require.Equal(t, wantType, base.Type, "frame: %s", b)
	var v T
	require.NoError(t, json.Unmarshal(b, &v))
	return v
}

func send(t *testing.T, ws *websocket.Conn, pos grid.Position, dir grid.Direction) {
	t.Helper()
	b, err := protocol.Encode(protocol.NewMove(pos, dir))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

func inner(p grid.Position) bool {
	return p.X >= 1 && p.X <= grid.DefaultWidth-2 && p.Y >= 1 && p.Y <= grid.DefaultHeight-2
}

// freeNeighbor 返回 from 的一个空邻格
func freeNeighbor(from grid.Position, taken ...grid.Position) (grid.Position, grid.Direction) {
	for _, d := range []grid.Direction{grid.DirLeft, grid.DirRight, grid.DirUp, grid.DirDown} {
		c := from.Step(d)
		free := grid.DefaultBounds().Contains(c)
		for _, o := range taken {
			if o == c {
				free = false
			}
		}
		if free {
			return c, d
		}
	}
	panic("no free neighbor")
}

func TestJoinInitExcludesSelfAndBroadcastsToOthers(t *testing.T) {
	s, url := startServer(t, nil)

	a := dial(t, url, token(t, "u-a", "alice@example.com", "Alice"))
	initA := read[protocol.InitMsg](t, a, protocol.TypeInit)
	assert.Empty(t, initA.Players)
	assert.True(t, inner(initA.YourPosition.Cell()))
	assert.Equal(t, grid.DirDown, initA.YourPosition.Direction)
	require.NotNil(t, initA.YourEmailPrefix)
	assert.Equal(t, "alice", *initA.YourEmailPrefix)

	b := dial(t, url, token(t, "u-b", "bob@example.com", ""))
	initB := read[protocol.InitMsg](t, b, protocol.TypeInit)
	require.Len(t, initB.Players, 1)
	assert.Equal(t, "Alice", initB.Players["u-a"].UserInfo.Name)
	assert.Equal(t, initA.YourPosition.Cell(), initB.Players["u-a"].Position.Cell())
	assert.NotEqual(t, initA.YourPosition.Cell(), initB.YourPosition.Cell())

	joined := read[protocol.PlayerJoinedMsg](t, a, protocol.TypePlayerJoined)
	assert.Equal(t, "u-b", joined.UserID)
	assert.Equal(t, "Unknown", joined.UserInfo.Name)
	assert.Equal(t, initB.YourPosition.Cell(), joined.Position.Cell())

	assert.Equal(t, 2, s.Online(DefaultRoom))
}

func TestMoveBroadcastExcludesMover(t *testing.T) {
	_, url := startServer(t, nil)
	a := dial(t, url, token(t, "u-a", "a@example.com", "A"))
	initA := read[protocol.InitMsg](t, a, protocol.TypeInit)
	b := dial(t, url, token(t, "u-b", "b@example.com", "B"))
	initB := read[protocol.InitMsg](t, b, protocol.TypeInit)
	read[protocol.PlayerJoinedMsg](t, a, protocol.TypePlayerJoined)

	aPos, bPos := initA.YourPosition.Cell(), initB.YourPosition.Cell()
	next, dir := freeNeighbor(aPos, bPos)
	send(t, a, next, dir)

	moved := read[protocol.PlayerMovedMsg](t, b, protocol.TypePlayerMoved)
	assert.Equal(t, "u-a", moved.UserID)
	assert.Equal(t, next, moved.Position.Cell())
	assert.Equal(t, dir, moved.Position.Direction)

	// a 的下一条消息应当是 b 的移动，而不是自己的回显
	bNext, bDir := freeNeighbor(bPos, next)
	send(t, b, bNext, bDir)
	echo := read[protocol.PlayerMovedMsg](t, a, protocol.TypePlayerMoved)
	assert.Equal(t, "u-b", echo.UserID)
}

func TestMoveOntoOccupiedCellRejected(t *testing.T) {
	s, url := startServer(t, nil)
	a := dial(t, url, token(t, "u-a", "a@example.com", "A"))
	initA := read[protocol.InitMsg](t, a, protocol.TypeInit)
	b := dial(t, url, token(t, "u-b", "b@example.com", "B"))
	initB := read[protocol.InitMsg](t, b, protocol.TypeInit)
	read[protocol.PlayerJoinedMsg](t, a, protocol.TypePlayerJoined)

	send(t, a, initB.YourPosition.Cell(), grid.DirLeft)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&s.Metrics().MovesRejected) == 1 },
		2*time.Second, 5*time.Millisecond)

	// 被拒绝的移动不广播；b 收到的下一条是 a 的合法转向
	send(t, a, initA.YourPosition.Cell(), grid.DirUp)
	turned := read[protocol.PlayerMovedMsg](t, b, protocol.TypePlayerMoved)
	assert.Equal(t, initA.YourPosition.Cell(), turned.Position.Cell())
	assert.Equal(t, grid.DirUp, turned.Position.Direction)
}

func TestOutOfBoundsMoveIsDropped(t *testing.T) {
	s, url := startServer(t, nil)
	a := dial(t, url, token(t, "u-a", "a@example.com", "A"))
	read[protocol.InitMsg](t, a, protocol.TypeInit)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"move","gridX":24,"gridY":0,"direction":"right"}`)))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.Eventually(t, func() bool { return atomic.LoadInt64(&s.Metrics().BadFrames) == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&s.Metrics().MovesAccepted))
}

func TestDisconnectBroadcastsLeft(t *testing.T) {
	s, url := startServer(t, nil)
	a := dial(t, url, token(t, "u-a", "a@example.com", "A"))
	read[protocol.InitMsg](t, a, protocol.TypeInit)
	b := dial(t, url, token(t, "u-b", "b@example.com", "B"))
	read[protocol.InitMsg](t, b, protocol.TypeInit)
	read[protocol.PlayerJoinedMsg](t, a, protocol.TypePlayerJoined)

	require.NoError(t, b.Close())
	left := read[protocol.PlayerLeftMsg](t, a, protocol.TypePlayerLeft)
	assert.Equal(t, "u-b", left.UserID)
	require.Eventually(t, func() bool { return s.Online(DefaultRoom) == 1 }, time.Second, 5*time.Millisecond)
}

func TestInvalidTokenClosesWith4001(t *testing.T) {
	s, url := startServer(t, nil)
	for _, tok := range []string{"", "garbage", func() string {
		tk, err := auth.Issue("other-secret", auth.Claims{Subject: "x", ExpiresAt: time.Now().Add(time.Hour)}, time.Now())
		require.NoError(t, err)
		return tk
	}()} {
		ws := dial(t, url, tok)
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := ws.ReadMessage()
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, protocol.CloseAuthRejected), "got %v", err)
	}
	assert.Equal(t, int64(3), atomic.LoadInt64(&s.Metrics().AuthRejected))
	assert.Equal(t, 0, s.Online(DefaultRoom))
}

func TestAuthFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s, err := New(Options{
		Verifier: auth.NewVerifier(testSecret, nil),
		Logger:   zap.New(core).Sugar(),
	})
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Close()
		hs.Close()
	})

	ws := dial(t, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", "garbage")
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return logs.FilterMessageSnippet("ws auth failed").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInitCarriesDirectoryStatus(t *testing.T) {
	_, url := startServer(t, fakeProfiles{
		"u-a": {ID: "u-a", DisplayName: "Alice Liddell", AvatarKey: "rabbit", StatusText: "down the hole"},
	})
	a := dial(t, url, token(t, "u-a", "alice@example.com", "Alice"))
	initA := read[protocol.InitMsg](t, a, protocol.TypeInit)
	require.NotNil(t, initA.YourStatusMessage)
	assert.Equal(t, "down the hole", *initA.YourStatusMessage)
	require.NotNil(t, initA.YourEmailPrefix)
	assert.Equal(t, "rabbit", *initA.YourEmailPrefix)

	b := dial(t, url, token(t, "u-b", "b@example.com", "B"))
	initB := read[protocol.InitMsg](t, b, protocol.TypeInit)
	assert.Equal(t, "Alice Liddell", initB.Players["u-a"].UserInfo.Name)
	assert.Equal(t, "down the hole", initB.Players["u-a"].UserInfo.StatusMessage)
	assert.Nil(t, initB.YourStatusMessage)
}

func TestRejoinReplacesOldSession(t *testing.T) {
	s, url := startServer(t, nil)
	old := dial(t, url, token(t, "u-a", "a@example.com", "A"))
	read[protocol.InitMsg](t, old, protocol.TypeInit)

	fresh := dial(t, url, token(t, "u-a", "a@example.com", "A"))
	read[protocol.InitMsg](t, fresh, protocol.TypeInit)

	_ = old.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := old.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, protocol.CloseSessionReplaced), "got %v", err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&s.Metrics().SessionsReplaced))
	require.Eventually(t, func() bool { return s.Online(DefaultRoom) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.Online(DefaultRoom))
}

func TestFindSpawnInnerAndNonOverlapping(t *testing.T) {
	r := NewRoom("t", grid.Bounds{Width: 4, Height: 4}, 7, &metrics.ServerMetrics{}, zaptest.NewLogger(t).Sugar())
	seen := map[grid.Position]bool{}
	for i := 0; i < 4; i++ {
		c, ok := r.findSpawn()
		require.True(t, ok)
		assert.True(t, c.X >= 1 && c.X <= 2 && c.Y >= 1 && c.Y <= 2, "spawn %s on the border", c)
		assert.False(t, seen[c])
		seen[c] = true
		r.Players[PlayerID(c.String())] = &Player{ID: PlayerID(c.String()), Pos: c}
	}
	_, ok := r.findSpawn()
	assert.False(t, ok)
}
