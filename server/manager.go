package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"gridpresence/grid"
	"gridpresence/metrics"
)

// DefaultRoom 未指定 room 参数时使用
const DefaultRoom = "lobby"

// RoomManager 管理多个房间的生命周期
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bounds  grid.Bounds
	seed    int64
	metrics *metrics.ServerMetrics
	log     *zap.SugaredLogger
}

func NewRoomManager(bounds grid.Bounds, seed int64, m *metrics.ServerMetrics, log *zap.SugaredLogger) *RoomManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &RoomManager{
		rooms:   make(map[string]*Room),
		ctx:     ctx,
		cancel:  cancel,
		bounds:  bounds,
		seed:    seed,
		metrics: m,
		log:     log,
	}
}

// GetOrCreateRoom 获取或创建房间，并确保事件循环已启动
func (m *RoomManager) GetOrCreateRoom(id string) *Room {
	m.mu.RLock()
	r, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.rooms[id]; ok {
		return r
	}
	r = NewRoom(id, m.bounds, m.seed+int64(len(m.rooms)), m.metrics, m.log)
	m.rooms[id] = r
	if m.ctx.Err() != nil {
		// 已关闭：房间不再启动，加入请求会立即失败
		close(r.done)
		return r
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r.Run(m.ctx)
	}()
	m.log.Infof("room %s created", id)
	return r
}

// Lookup 不创建房间
func (m *RoomManager) Lookup(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Close 停止所有房间并等待事件循环退出
func (m *RoomManager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}
