package presence

import (
	"sort"
	"strings"
	"sync"

	"gridpresence/grid"
	"gridpresence/protocol"
)

// Identity 参与者身份；除 StatusText 外会话内不变
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarKey   string `json:"avatar_key"`
	StatusText  string `json:"status_text,omitempty"`
	IsNPC       bool   `json:"is_npc,omitempty"`
}

// State 远端参与者（或 NPC）的最新状态
type State struct {
	Identity  Identity       `json:"identity"`
	Position  grid.Position  `json:"position"`
	Direction grid.Direction `json:"direction"`
}

// Snapshot 只读快照，按 id 索引
type Snapshot map[string]State

// Sorted 按 id 排序返回，便于稳定遍历
func (s Snapshot) Sorted() []State {
	out := make([]State, 0, len(s))
	for _, st := range s {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.ID < out[j].Identity.ID })
	return out
}

// NPCs 返回快照中的 NPC（按 id 排序）
func (s Snapshot) NPCs() []State {
	var out []State
	for _, st := range s.Sorted() {
		if st.Identity.IsNPC {
			out = append(out, st)
		}
	}
	return out
}

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// IdentityFromUser 线上 user_info → Identity；头像键缺省时取邮箱前缀
func IdentityFromUser(id string, u protocol.UserInfo) Identity {
	if id == "" {
		id = u.ID
	}
	avatar := u.EmailPrefix
	if avatar == "" {
		avatar = EmailPrefix(u.Email)
	}
	name := u.Name
	if name == "" {
		name = u.Email
	}
	return Identity{
		ID:          id,
		DisplayName: name,
		AvatarKey:   avatar,
		StatusText:  u.StatusMessage,
		IsNPC:       u.IsNPC,
	}
}

// EmailPrefix 取邮箱 @ 之前的部分
func EmailPrefix(email string) string {
	prefix, _, _ := strings.Cut(email, "@")
	return prefix
}

// Apply 纯函数 reducer：把一条入站消息作用到 players 上，返回是否发生变化。
// init 整体替换；player_moved 对未知 id 忽略，只替换 position+direction。
func Apply(players Snapshot, msg protocol.Message) (Snapshot, bool) {
	switch m := msg.(type) {
	case protocol.InitMsg:
		next := make(Snapshot, len(m.Players))
		for id, p := range m.Players {
			next[id] = State{
				Identity:  IdentityFromUser(id, p.UserInfo),
				Position:  p.Position.Cell(),
				Direction: p.Position.Direction,
			}
		}
		return next, true
	case protocol.PlayerJoinedMsg:
		next := players.Clone()
		next[m.UserID] = State{
			Identity:  IdentityFromUser(m.UserID, m.UserInfo),
			Position:  m.Position.Cell(),
			Direction: m.Position.Direction,
		}
		return next, true
	case protocol.PlayerLeftMsg:
		if _, ok := players[m.UserID]; !ok {
			return players, false
		}
		next := players.Clone()
		delete(next, m.UserID)
		return next, true
	case protocol.PlayerMovedMsg:
		cur, ok := players[m.UserID]
		if !ok {
			return players, false
		}
		next := players.Clone()
		cur.Position = m.Position.Cell()
		cur.Direction = m.Position.Direction
		next[m.UserID] = cur
		return next, true
	default:
		return players, false
	}
}

// Fold 依次应用消息序列
func Fold(msgs []protocol.Message) Snapshot {
	s := Snapshot{}
	for _, m := range msgs {
		s, _ = Apply(s, m)
	}
	return s
}

// Store 远端参与者的内存表，只由入站事件修改；所有操作为 O(1)
type Store struct {
	mu      sync.RWMutex
	players Snapshot
	version uint64
}

func NewStore() *Store {
	return &Store{players: make(Snapshot)}
}

// Replace 整体替换（init），不做字段级合并
func (s *Store) Replace(players Snapshot) {
	next := players.Clone()
	s.mu.Lock()
	s.players = next
	s.version++
	s.mu.Unlock()
}

// Upsert 插入或替换一个参与者
func (s *Store) Upsert(st State) {
	s.mu.Lock()
	s.players[st.Identity.ID] = st
	s.version++
	s.mu.Unlock()
}

// Remove 按 id 移除
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[id]; !ok {
		return false
	}
	delete(s.players, id)
	s.version++
	return true
}

// Move 只替换位置和朝向；未知 id 忽略
func (s *Store) Move(id string, pos grid.Position, dir grid.Direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.players[id]
	if !ok {
		return false
	}
	cur.Position = pos
	cur.Direction = dir
	s.players[id] = cur
	s.version++
	return true
}

// SetStatus 资料协作方带外更新状态文字
func (s *Store) SetStatus(id, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.players[id]
	if !ok || cur.Identity.StatusText == text {
		return false
	}
	cur.Identity.StatusText = text
	s.players[id] = cur
	s.version++
	return true
}

// Apply 按消息类型分派到 O(1) 操作，返回是否发生变化
func (s *Store) Apply(msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.InitMsg:
		next, _ := Apply(nil, m)
		s.Replace(next)
		return true
	case protocol.PlayerJoinedMsg:
		s.Upsert(State{
			Identity:  IdentityFromUser(m.UserID, m.UserInfo),
			Position:  m.Position.Cell(),
			Direction: m.Position.Direction,
		})
		return true
	case protocol.PlayerLeftMsg:
		return s.Remove(m.UserID)
	case protocol.PlayerMovedMsg:
		return s.Move(m.UserID, m.Position.Cell(), m.Position.Direction)
	default:
		return false
	}
}

// Snapshot 返回只读副本
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.players.Clone()
}

func (s *Store) Get(id string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.players[id]
	return st, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.players)
}

// Version 每次修改递增
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
