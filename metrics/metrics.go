package metrics

import (
	"sync/atomic"
)

// ClientMetrics 记录客户端运行期的关键指标（用于监控与调试）
type ClientMetrics struct {
	Dials             int64 // 发起的连接次数
	DialFailures      int64 // 握手失败次数
	CredentialMissing int64 // 因无凭证跳过的连接次数
	Reconnects        int64 // 排定的重连次数
	AuthRejected      int64 // 收到 4001 的次数
	FramesApplied     int64 // 已应用到 presence 的入站消息数
	MalformedIgnored  int64 // 因格式错误被忽略的入站消息数
	UnknownMover      int64 // player_moved 指向未知 id 的次数
	MovesSent         int64 // 发出的 move 数
	MovesDropped      int64 // 连接未打开时丢弃的 move 数
	Frames            int64 // 渲染帧数
	TotalFrameNs      int64 // 帧累计耗时（纳秒）
}

func (m *ClientMetrics) IncDials()             { atomic.AddInt64(&m.Dials, 1) }
func (m *ClientMetrics) IncDialFailures()      { atomic.AddInt64(&m.DialFailures, 1) }
func (m *ClientMetrics) IncCredentialMissing() { atomic.AddInt64(&m.CredentialMissing, 1) }
func (m *ClientMetrics) IncReconnects()        { atomic.AddInt64(&m.Reconnects, 1) }
func (m *ClientMetrics) IncAuthRejected()      { atomic.AddInt64(&m.AuthRejected, 1) }
func (m *ClientMetrics) IncFramesApplied()     { atomic.AddInt64(&m.FramesApplied, 1) }
func (m *ClientMetrics) IncMalformedIgnored()  { atomic.AddInt64(&m.MalformedIgnored, 1) }
func (m *ClientMetrics) IncUnknownMover()      { atomic.AddInt64(&m.UnknownMover, 1) }
func (m *ClientMetrics) IncMovesSent()         { atomic.AddInt64(&m.MovesSent, 1) }
func (m *ClientMetrics) IncMovesDropped()      { atomic.AddInt64(&m.MovesDropped, 1) }
func (m *ClientMetrics) AddFrame(ns int64) {
	atomic.AddInt64(&m.Frames, 1)
	atomic.AddInt64(&m.TotalFrameNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *ClientMetrics) Snapshot() map[string]any {
	frames := atomic.LoadInt64(&m.Frames)
	total := atomic.LoadInt64(&m.TotalFrameNs)
	var avgMs float64
	if frames > 0 {
		avgMs = float64(total) / float64(frames) / 1e6
	}
	return map[string]any{
		"dials":              atomic.LoadInt64(&m.Dials),
		"dial_failures":      atomic.LoadInt64(&m.DialFailures),
		"credential_missing": atomic.LoadInt64(&m.CredentialMissing),
		"reconnects":         atomic.LoadInt64(&m.Reconnects),
		"auth_rejected":      atomic.LoadInt64(&m.AuthRejected),
		"frames_applied":     atomic.LoadInt64(&m.FramesApplied),
		"malformed_ignored":  atomic.LoadInt64(&m.MalformedIgnored),
		"unknown_mover":      atomic.LoadInt64(&m.UnknownMover),
		"moves_sent":         atomic.LoadInt64(&m.MovesSent),
		"moves_dropped":      atomic.LoadInt64(&m.MovesDropped),
		"frames":             frames,
		"avg_frame_ms":       avgMs,
	}
}

// ServerMetrics 参考服务端的指标
type ServerMetrics struct {
	Joins          int64
	Leaves         int64
	AuthRejected   int64
	MovesAccepted  int64
	MovesRejected  int64 // 越界或目标格被占
	BadFrames      int64
	SendsDiscarded int64 // 发送队列满被丢弃
	InputsDropped  int64 // 房间输入通道满被丢弃

	// SessionsReplaced 同一用户重复登录挤掉旧会话
	SessionsReplaced int64
}

func (m *ServerMetrics) IncJoins()          { atomic.AddInt64(&m.Joins, 1) }
func (m *ServerMetrics) IncLeaves()         { atomic.AddInt64(&m.Leaves, 1) }
func (m *ServerMetrics) IncAuthRejected()   { atomic.AddInt64(&m.AuthRejected, 1) }
func (m *ServerMetrics) IncMovesAccepted()  { atomic.AddInt64(&m.MovesAccepted, 1) }
func (m *ServerMetrics) IncMovesRejected()  { atomic.AddInt64(&m.MovesRejected, 1) }
func (m *ServerMetrics) IncBadFrames()      { atomic.AddInt64(&m.BadFrames, 1) }
func (m *ServerMetrics) IncSendsDiscarded() { atomic.AddInt64(&m.SendsDiscarded, 1) }
func (m *ServerMetrics) IncInputsDropped()  { atomic.AddInt64(&m.InputsDropped, 1) }
func (m *ServerMetrics) IncSessionsReplaced() {
	atomic.AddInt64(&m.SessionsReplaced, 1)
}

func (m *ServerMetrics) Snapshot() map[string]any {
	return map[string]any{
		"joins":             atomic.LoadInt64(&m.Joins),
		"leaves":            atomic.LoadInt64(&m.Leaves),
		"auth_rejected":     atomic.LoadInt64(&m.AuthRejected),
		"moves_accepted":    atomic.LoadInt64(&m.MovesAccepted),
		"moves_rejected":    atomic.LoadInt64(&m.MovesRejected),
		"bad_frames":        atomic.LoadInt64(&m.BadFrames),
		"sends_discarded":   atomic.LoadInt64(&m.SendsDiscarded),
		"inputs_dropped":    atomic.LoadInt64(&m.InputsDropped),
		"sessions_replaced": atomic.LoadInt64(&m.SessionsReplaced),
	}
}
