package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridpresence/auth"
	"gridpresence/logger"
	"gridpresence/metrics"
	"gridpresence/protocol"
)

// State 连接状态
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosedPermanent
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedPermanent:
		return "closed_permanent"
	default:
		return "idle"
	}
}

// ErrNotOpen 连接未打开，出站消息被丢弃
var ErrNotOpen = errors.New("transport not open")

// StateChange 状态变化通知
type StateChange struct {
	State State
	// Token 仅在 StateOpen 时携带，本次会话使用的凭证
	Token string
	// CloseCode 对端关闭码；网络错误为 0
	CloseCode int
	Err       error
}

// Options 连接管理器配置
type Options struct {
	URL              string
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration

	Dialer  *websocket.Dialer
	Logger  *zap.SugaredLogger
	Metrics *metrics.ClientMetrics

	// OnFrame 在读协程中按到达顺序调用
	OnFrame func([]byte)
	// OnState 状态变化回调，不能阻塞
	OnState func(StateChange)
}

// Manager 同一时刻最多持有一条传输连接；负责握手、收发、断线重连
type Manager struct {
	opts    Options
	creds   auth.Source
	log     *zap.SugaredLogger
	metrics *metrics.ClientMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	conn     *conn
	gen      uint64
	timer    *time.Timer
	disposed bool
}

// New 创建管理器；不会立即连接
func New(opts Options, creds auth.Source) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.ClientMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		creds:   creds,
		log:     logger.Or(opts.Logger),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect 建立一次会话。正在连接或已打开时为 no-op，可并发、重复调用。
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.disposed || m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.wg.Add(1)
	m.mu.Unlock()

	m.notify(StateChange{State: StateConnecting})
	go m.run(gen)
}

// Send 仅在连接打开时发送，否则直接丢弃（不排队、不重试）
func (m *Manager) Send(msg protocol.Message) error {
	m.mu.Lock()
	c := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open || c == nil {
		m.metrics.IncMovesDropped()
		return ErrNotOpen
	}
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !c.enqueue(b) {
		m.metrics.IncMovesDropped()
		return ErrNotOpen
	}
	m.metrics.IncMovesSent()
	return nil
}

// Close 释放：取消待定的重连、中止握手、关闭当前连接，并等待所有协程退出
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		m.wg.Wait()
		return nil
	}
	m.disposed = true
	m.stopTimerLocked()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()
	if c != nil {
		c.shutdown()
	}
	m.wg.Wait()
	m.log.Debugf("connection manager closed")
	return nil
}

func (m *Manager) run(gen uint64) {
	defer m.wg.Done()

	token, err := m.creds.Token(m.ctx)
	if err != nil {
		// 未登录：静默放弃，等待下一次外部触发
		m.metrics.IncCredentialMissing()
		m.log.Debugf("connect skipped: %v", err)
		m.settle(gen, StateChange{State: StateIdle, Err: err}, false)
		return
	}

	target, err := withToken(m.opts.URL, token)
	if err != nil {
		m.log.Errorf("connect: %v", err)
		m.settle(gen, StateChange{State: StateIdle, Err: err}, false)
		return
	}

	m.metrics.IncDials()
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.HandshakeTimeout)
	ws, resp, err := m.opts.Dialer.DialContext(ctx, target, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		m.metrics.IncDialFailures()
		m.log.Warnf("dial %s failed: %v", m.opts.URL, err)
		m.settle(gen, StateChange{State: StateIdle, Err: err}, true)
		return
	}

	c := newConn(ws, m.opts.WriteWait, m.opts.PongWait)
	m.mu.Lock()
	if m.disposed || gen != m.gen {
		m.mu.Unlock()
		_ = ws.Close()
		return
	}
	m.conn = c
	m.state = StateOpen
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Infof("connected to %s", m.opts.URL)
	m.notify(StateChange{State: StateOpen, Token: token})

	go func() {
		defer m.wg.Done()
		c.writePump()
	}()
	err = c.readPump(m.opts.OnFrame)

	code := closeCode(err)
	if code == protocol.CloseAuthRejected {
		m.metrics.IncAuthRejected()
		m.mu.Lock()
		stale := m.disposed || gen != m.gen
		if !stale {
			m.conn = nil
			m.state = StateClosedPermanent
		}
		m.mu.Unlock()
		if !stale {
			m.log.Warnf("authentication rejected (close %d), not reconnecting", code)
			m.notify(StateChange{State: StateClosedPermanent, CloseCode: code, Err: err})
		}
		return
	}
	if code == protocol.CloseSessionReplaced {
		m.log.Warnf("session replaced by another login with the same identity; reconnecting")
	} else {
		m.log.Infof("connection closed (code=%d): %v", code, err)
	}
	m.settle(gen, StateChange{State: StateIdle, CloseCode: code, Err: err}, true)
}

// settle 会话结束后回到 Idle；reconnect 为 true 时固定延迟后再次 Connect
func (m *Manager) settle(gen uint64, ch StateChange, reconnect bool) {
	m.mu.Lock()
	if m.disposed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateIdle
	if reconnect {
		m.stopTimerLocked()
		m.timer = time.AfterFunc(m.opts.ReconnectDelay, m.Connect)
	}
	m.mu.Unlock()

	if reconnect {
		m.metrics.IncReconnects()
		m.log.Infof("reconnecting in %s", m.opts.ReconnectDelay)
	}
	m.notify(ch)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) notify(ch StateChange) {
	if m.opts.OnState != nil {
		m.opts.OnState(ch)
	}
}

// withToken 把凭证放到 query 参数；URL 没有路径时默认 /ws
func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
