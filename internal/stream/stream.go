package stream

import (
	"sync"
	"time"

	"dtex/internal/extractor"
	"dtex/internal/token"
)

// 中文说明：
// 运行事件流。编排器在每个关键节点发布带阶段标签的事件，HTTP 层经 SSE 转发，
// CLI 直接打印。发布端非阻塞：订阅者跟不上时丢弃其最旧事件而不是拖慢运行。

// Phase 事件所处的运行阶段。
type Phase string

const (
	PhaseRun      Phase = "run"
	PhaseTier     Phase = "tier"
	PhaseConsensus Phase = "consensus"
	PhaseAggregate Phase = "aggregate"
)

// 事件状态。
const (
	StatusRunStarted       = "run_started"
	StatusTierStarted      = "tier_started"
	StatusExtractorStarted = "extractor_started"
	StatusExtractorSettled = "extractor_settled"
	StatusTierComplete     = "tier_complete"
	StatusBudgetExceeded   = "budget_exceeded"
	StatusAborted          = "aborted"
	StatusRunComplete      = "run_complete"
)

// Event 单条运行事件。Payload 内容随 Status 变化。
type Event struct {
	RunID   string          `json:"run_id"`
	Phase   Phase           `json:"phase"`
	Tier    extractor.Tier  `json:"tier,omitempty"`
	Status  string          `json:"status"`
	Seq     int64           `json:"seq"`
	At      time.Time       `json:"at"`
	Payload map[string]any  `json:"payload,omitempty"`
}

// ExtractorSettledPayload 构造 extractor_settled 事件的负载。
func ExtractorSettledPayload(name string, tokens []token.Token, costUSD float64, durationMS int64, err error) map[string]any {
	p := map[string]any{
		"extractor":   name,
		"tokens":      len(tokens),
		"cost_usd":    costUSD,
		"duration_ms": durationMS,
	}
	if err != nil {
		p["error"] = err.Error()
	}
	return p
}

// Emitter 发布运行事件，支持多订阅者。
type Emitter struct {
	mu     sync.Mutex
	seq    int64
	subs   map[chan Event]struct{}
	closed bool
	buffer int
}

// NewEmitter 创建事件发布器。buffer 为每个订阅者的通道容量。
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Emitter{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
	}
}

// Subscribe 返回事件通道与取消函数。Emitter 关闭后通道随之关闭。
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, e.buffer)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			if _, ok := e.subs[ch]; ok {
				delete(e.subs, ch)
				close(ch)
			}
			e.mu.Unlock()
		})
	}
	return ch, cancel
}

// Emit 发布一条事件。慢订阅者丢弃最旧事件为新事件腾位。
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.seq++
	ev.Seq = e.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for ch := range e.subs {
		delivered := false
		for !delivered {
			select {
			case ch <- ev:
				delivered = true
			default:
				// 缓冲满则丢最旧；若消费者恰好清空了通道，空接收后直接重试发送
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// Close 结束事件流并关闭所有订阅通道。
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}
