package decision

import (
	"strings"
	"sync"
	"time"

	"trdr/internal/types"
)

// DefaultHistoryCapacity 是每个标的保留的决策条数。
const DefaultHistoryCapacity = 100

// PositionState 是编排层对某个标的持仓的认知，需与账本保持同步。
type PositionState struct {
	Position       types.PositionStatus `json:"position"`
	EntryPrice     float64              `json:"entry_price"`
	EntryTime      time.Time            `json:"entry_time"`
	LastSignalTime time.Time            `json:"last_signal_time"`
	UnrealizedPnL  float64              `json:"unrealized_pnl"`
}

// history 是固定容量的环形缓冲。
type history struct {
	buf   []TradingDecision
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &history{buf: make([]TradingDecision, capacity)}
}

func (h *history) push(d TradingDecision) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = d
		h.size++
		return
	}
	h.buf[h.start] = d
	h.start = (h.start + 1) % len(h.buf)
}

// items 按时间先后返回副本。
func (h *history) items() []TradingDecision {
	out := make([]TradingDecision, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}

// Session 持有单个标的的持仓认知与决策历史。
type Session struct {
	Symbol  string
	State   PositionState
	history *history
}

// Record 追加一条决策。
func (s *Session) Record(d TradingDecision) {
	s.history.push(d)
}

func (s *Session) History() []TradingDecision {
	return s.history.items()
}

// Observe 根据决策推进持仓认知，并刷新浮动盈亏。
func (s *Session) Observe(d TradingDecision, price float64, portfolio types.PortfolioState) {
	switch d.Signal {
	case types.SignalBuy:
		if s.State.Position != types.StatusLong {
			s.State.Position = types.StatusLong
			s.State.EntryPrice = price
			s.State.EntryTime = d.Timestamp
		}
		s.State.LastSignalTime = d.Timestamp
	case types.SignalSell:
		if s.State.Position == types.StatusLong {
			s.State = PositionState{Position: types.StatusFlat}
		}
		s.State.LastSignalTime = d.Timestamp
	}
	if s.State.Position == "" {
		s.State.Position = types.StatusFlat
	}
	if portfolio.Position.Status == types.StatusLong {
		s.State.UnrealizedPnL = portfolio.Position.UnrealizedPnL
	}
}

// Sync 用账本快照覆盖持仓认知。
func (s *Session) Sync(pos types.PositionSnapshot) {
	last := s.State.LastSignalTime
	if pos.Status != types.StatusLong || pos.Quantity <= 0 {
		s.State = PositionState{Position: types.StatusFlat, LastSignalTime: last}
		return
	}
	s.State = PositionState{
		Position:       types.StatusLong,
		EntryPrice:     pos.EntryPrice,
		EntryTime:      pos.EntryTime,
		LastSignalTime: last,
		UnrealizedPnL:  pos.UnrealizedPnL,
	}
}

// SessionStore 按标的管理 Session，锁只保护 map 访问。
type SessionStore struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*Session
}

func NewSessionStore(capacity int) *SessionStore {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &SessionStore{capacity: capacity, sessions: make(map[string]*Session)}
}

// Get 返回标的对应的 Session，不存在时创建。
func (s *SessionStore) Get(symbol string) *Session {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &Session{
			Symbol:  key,
			State:   PositionState{Position: types.StatusFlat},
			history: newHistory(s.capacity),
		}
		s.sessions[key] = sess
	}
	return sess
}

// Lookup 返回已存在的 Session。
func (s *SessionStore) Lookup(symbol string) (*Session, bool) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	return sess, ok
}
