package world

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gridpresence/auth"
	"gridpresence/bridge"
	"gridpresence/client"
	"gridpresence/config"
	"gridpresence/grid"
	"gridpresence/logger"
	"gridpresence/metrics"
	"gridpresence/movement"
	"gridpresence/presence"
	"gridpresence/protocol"
	"gridpresence/scene"
)

// ErrStopped 运行循环已退出
var ErrStopped = errors.New("runtime stopped")

// Directory 参与者目录：NPC 出生点与带外状态文字
type Directory interface {
	NPCSeeds(ctx context.Context, bounds grid.Bounds) ([]presence.State, error)
	SetStatus(ctx context.Context, id, text string) error
}

// Options 运行时配置
type Options struct {
	ServerURL        string
	Bounds           grid.Bounds
	StepDuration     time.Duration
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	FrameInterval    time.Duration

	Credentials auth.Source
	Directory   Directory
	Bus         *bridge.Bus
	Logger      *zap.SugaredLogger
	Metrics     *metrics.ClientMetrics
}

// FromConfig 从配置组装运行时参数
func FromConfig(cfg config.Config) Options {
	return Options{
		ServerURL:        cfg.ServerURL,
		Bounds:           cfg.Bounds(),
		StepDuration:     cfg.MoveDuration,
		ReconnectDelay:   cfg.ReconnectDelay,
		HandshakeTimeout: cfg.HandshakeTimeout,
		FrameInterval:    cfg.FrameInterval(),
	}
}

// Status 运行状态快照，供管理接口读取
type Status struct {
	Connection   string              `json:"connection"`
	Connectivity bridge.Connectivity `json:"connectivity"`
	SelfID       string              `json:"self_id,omitempty"`
	DisplayName  string              `json:"display_name"`
	AvatarKey    string              `json:"avatar_key"`
	StatusText   string              `json:"status_text"`
	ChatOpen     bool                `json:"chat_open"`
	ChatWith     *presence.Identity  `json:"chat_with,omitempty"`
	Participants int                 `json:"participants"`
}

type frame []byte

// Runtime 状态层：持有 presence 表、连接管理器、本地玩家资料与聊天可见性。
// 所有状态只在 Run 协程中修改，其他协程通过 Do 投递操作。
type Runtime struct {
	opts    Options
	bus     *bridge.Bus
	store   *presence.Store
	conn    *client.Manager
	scene   *scene.Scene
	decoder *protocol.Decoder
	log     *zap.SugaredLogger
	metrics *metrics.ClientMetrics

	events chan any
	done   chan struct{}
	once   sync.Once
	subs   bridge.Group

	// 以下字段只在运行循环中访问
	seeds     []presence.State
	selfID    string
	self      bridge.SelfInfo
	selfPos   *grid.Position
	input     movement.Input
	chatOpen  bool
	chatWith  *presence.Identity
	connState client.State
	online    bridge.Connectivity

	statusMu sync.RWMutex
	status   Status
}

// New 创建运行时；连接在 Run 中发起
func New(opts Options) (*Runtime, error) {
	if opts.Credentials == nil {
		return nil, errors.New("world: credentials source is required")
	}
	if opts.Bounds.Width <= 0 || opts.Bounds.Height <= 0 {
		opts.Bounds = grid.DefaultBounds()
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = time.Second / 60
	}
	if opts.Bus == nil {
		opts.Bus = bridge.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.ClientMetrics{}
	}
	dec, err := protocol.NewDecoder(opts.Bounds)
	if err != nil {
		return nil, err
	}
	log := logger.Or(opts.Logger)

	r := &Runtime{
		opts:    opts,
		bus:     opts.Bus,
		store:   presence.NewStore(),
		decoder: dec,
		log:     log,
		metrics: opts.Metrics,
		events:  make(chan any, 256),
		done:    make(chan struct{}),
	}
	r.conn = client.New(client.Options{
		URL:              opts.ServerURL,
		ReconnectDelay:   opts.ReconnectDelay,
		HandshakeTimeout: opts.HandshakeTimeout,
		Logger:           log,
		Metrics:          opts.Metrics,
		OnFrame:          func(b []byte) { r.post(frame(b)) },
		OnState:          func(ch client.StateChange) { r.post(ch) },
	}, auth.Fresh(opts.Credentials, nil))
	r.scene = scene.New(r.bus, scene.Options{
		Bounds:       opts.Bounds,
		StepDuration: opts.StepDuration,
		Logger:       log,
	})

	r.subs.Add(bridge.Subscribe(r.bus, bridge.LocalMoveCompleted, r.onLocalMove))
	r.subs.Add(bridge.Subscribe(r.bus, bridge.SceneReady, r.onSceneReady))
	r.subs.Add(bridge.Subscribe(r.bus, bridge.NPCInteractionRequested, r.onInteraction))
	r.subs.Add(bridge.Subscribe(r.bus, bridge.NearbyNPC, r.onNearby))
	r.refreshStatus()
	return r, nil
}

func (r *Runtime) Bus() *bridge.Bus { return r.bus }

func (r *Runtime) Scene() *scene.Scene { return r.scene }

func (r *Runtime) Metrics() *metrics.ClientMetrics { return r.metrics }

// Status 最近一次的运行状态；可在任意协程调用
func (r *Runtime) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// post 从其他协程投递事件；循环退出后丢弃
func (r *Runtime) post(ev any) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// Do 在运行循环中执行 fn 并等待完成
func (r *Runtime) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case r.events <- func() { fn(); r.refreshStatus(); close(finished) }:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 单协程事件循环：入站帧、连接状态、外部命令、渲染帧。ctx 结束时释放所有资源。
func (r *Runtime) Run(ctx context.Context) error {
	if r.opts.Directory != nil {
		seeds, err := r.opts.Directory.NPCSeeds(ctx, r.opts.Bounds)
		if err != nil {
			r.log.Warnf("load npc seeds: %v", err)
		}
		r.seeds = seeds
	}

	r.scene.Start()
	r.conn.Connect()

	ticker := time.NewTicker(r.opts.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case ev := <-r.events:
			r.handle(ev)
		case now := <-ticker.C:
			r.frame(now)
		}
	}
}

func (r *Runtime) shutdown() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		r.scene.Close()
		r.subs.Release()
		err = multierr.Append(err, r.conn.Close())
		r.log.Infof("runtime stopped")
	})
	return err
}

func (r *Runtime) handle(ev any) {
	switch e := ev.(type) {
	case frame:
		r.handleFrame(e)
	case client.StateChange:
		r.handleState(e)
	case func():
		e()
	}
	r.refreshStatus()
}

func (r *Runtime) frame(now time.Time) {
	start := time.Now()
	r.scene.Frame(now, r.input)
	r.metrics.AddFrame(time.Since(start).Nanoseconds())
}

// handleFrame 按到达顺序应用一条入站消息；格式错误的消息被忽略，会话保持
func (r *Runtime) handleFrame(b []byte) {
	msg, err := r.decoder.Decode(b)
	if err != nil {
		r.metrics.IncMalformedIgnored()
		r.log.Debugf("ignore inbound frame: %v", err)
		return
	}
	switch m := msg.(type) {
	case protocol.InitMsg:
		r.applyInit(m)
	case protocol.PlayerMovedMsg:
		if !r.store.Apply(m) {
			r.metrics.IncUnknownMover()
			r.log.Debugf("player_moved for unknown id %s ignored", m.UserID)
			return
		}
	case protocol.PlayerJoinedMsg, protocol.PlayerLeftMsg:
		if !r.store.Apply(m) {
			return
		}
	default:
		r.metrics.IncMalformedIgnored()
		return
	}
	r.metrics.IncFramesApplied()
	r.publishSnapshot()
	r.publishConnectivity()
}

// applyInit 远端表与 NPC 出生点一次性整体替换，再下发本地玩家资料与出生位置
func (r *Runtime) applyInit(m protocol.InitMsg) {
	next, _ := presence.Apply(nil, m)
	for _, seed := range r.seeds {
		if _, taken := next[seed.Identity.ID]; !taken {
			next[seed.Identity.ID] = seed
		}
	}
	r.store.Replace(next)

	if m.YourEmailPrefix != nil {
		r.self.AvatarKey = *m.YourEmailPrefix
	}
	if m.YourStatusMessage != nil {
		r.self.StatusText = *m.YourStatusMessage
	}
	pos := m.YourPosition.Cell()
	r.selfPos = &pos
	r.log.Infof("init: %d participants, placed at %s", len(next), pos)
	r.publishSelf(true)
}

func (r *Runtime) handleState(ch client.StateChange) {
	r.connState = ch.State
	switch ch.State {
	case client.StateOpen:
		if c, ok := auth.Inspect(ch.Token); ok {
			r.selfID = c.Subject
			r.self.DisplayName = c.DisplayName()
			r.publishSelf(false)
		}
	case client.StateClosedPermanent:
		r.log.Warnf("session rejected by server; staying disconnected")
	}
	r.publishConnectivity()
}

func (r *Runtime) publishSnapshot() {
	bridge.Publish(r.bus, bridge.PresenceSnapshot, r.store.Snapshot())
}

// publishSelf withPos 为 true 时带上位置，渲染面据此落位
func (r *Runtime) publishSelf(withPos bool) {
	info := r.self
	if withPos && r.selfPos != nil {
		pos := *r.selfPos
		info.Position = &pos
	}
	bridge.Publish(r.bus, bridge.SelfInfoUpdate, info)
}

// publishConnectivity 只在变化时发布
func (r *Runtime) publishConnectivity() {
	next := bridge.Connectivity{
		Connected: r.connState == client.StateOpen,
		Permanent: r.connState == client.StateClosedPermanent,
	}
	if next.Connected {
		next.Online = 1
		for _, st := range r.store.Snapshot() {
			if !st.Identity.IsNPC {
				next.Online++
			}
		}
	}
	if next == r.online {
		return
	}
	r.online = next
	bridge.Publish(r.bus, bridge.ConnectionStatus, next)
}

func (r *Runtime) onLocalMove(m bridge.Move) {
	pos := m.Position
	r.selfPos = &pos
	if err := r.conn.Send(protocol.NewMove(m.Position, m.Direction)); err != nil {
		r.log.Debugf("move %s %s not sent: %v", m.Position, m.Direction, err)
	}
}

// onSceneReady 渲染面（重新）挂载：补发当前快照和本地资料
func (r *Runtime) onSceneReady(struct{}) {
	r.publishSnapshot()
	r.publishSelf(true)
	bridge.Publish(r.bus, bridge.ChatVisibility, r.chatOpen)
}

func (r *Runtime) onInteraction(npc presence.Identity) {
	if r.chatOpen {
		return
	}
	r.chatOpen = true
	r.chatWith = &npc
	r.log.Infof("chat opened with %s", npc.ID)
	bridge.Publish(r.bus, bridge.ChatVisibility, true)
}

func (r *Runtime) onNearby(n bridge.Nearby) {
	if n.NPC != nil {
		r.log.Debugf("npc %s nearby", n.NPC.ID)
	}
}

// Reconnect 外部触发一次连接：凭证缺失后补登录、被拒后重新登录时使用。
// 已在连接或已打开时为 no-op；返回是否发起了新的连接。
func (r *Runtime) Reconnect(ctx context.Context) (bool, error) {
	var started bool
	err := r.Do(ctx, func() {
		if r.connState == client.StateConnecting || r.connState == client.StateOpen {
			return
		}
		r.log.Infof("reconnect requested (state=%s)", r.connState)
		r.conn.Connect()
		started = true
	})
	return started, err
}

// SetInput 更新当前按住的按键；下一帧生效
func (r *Runtime) SetInput(ctx context.Context, in movement.Input) error {
	return r.Do(ctx, func() { r.input = in })
}

// Interact 请求与附近的 NPC 对话；返回是否触发
func (r *Runtime) Interact(ctx context.Context) (bool, error) {
	var ok bool
	err := r.Do(ctx, func() { ok = r.scene.Interact() })
	return ok, err
}

// CloseChat 关闭聊天窗口，恢复移动输入
func (r *Runtime) CloseChat(ctx context.Context) error {
	return r.Do(ctx, func() {
		if !r.chatOpen {
			return
		}
		r.chatOpen = false
		r.chatWith = nil
		bridge.Publish(r.bus, bridge.ChatVisibility, false)
	})
}

// SetStatus 带外更新某个参与者的状态文字；id 为空表示本地玩家
func (r *Runtime) SetStatus(ctx context.Context, id, text string) error {
	var dirErr error
	err := r.Do(ctx, func() {
		if id == "" || id == r.selfID {
			id = r.selfID
			r.self.StatusText = text
			r.publishSelf(false)
		} else if r.store.SetStatus(id, text) {
			r.publishSnapshot()
		}
		if r.opts.Directory != nil && id != "" {
			dirErr = r.opts.Directory.SetStatus(ctx, id, text)
		}
	})
	return multierr.Append(err, dirErr)
}

func (r *Runtime) refreshStatus() {
	st := Status{
		Connection:   r.connState.String(),
		Connectivity: r.online,
		SelfID:       r.selfID,
		DisplayName:  r.self.DisplayName,
		AvatarKey:    r.self.AvatarKey,
		StatusText:   r.self.StatusText,
		ChatOpen:     r.chatOpen,
		Participants: r.store.Len(),
	}
	if r.chatWith != nil {
		w := *r.chatWith
		st.ChatWith = &w
	}
	r.statusMu.Lock()
	r.status = st
	r.statusMu.Unlock()
}
