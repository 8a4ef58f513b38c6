package budget

import (
	"sync"

	"github.com/shopspring/decimal"
)

// 中文说明：
// 预算跟踪器：以美元计的抽取成本上限控制。同一梯队内的抽取器并发调用
// TryReserve/Commit/Refund，必须保证 spent 任何时刻不超过 ceiling。
// 采用悲观预留：先预留再执行，失败退还，成功转入 spent。

// Tracker 运行级预算状态。零值不可用，必须经 NewTracker 创建。
type Tracker struct {
	mu       sync.Mutex
	ceiling  decimal.Decimal
	spent    decimal.Decimal
	reserved decimal.Decimal
}

func NewTracker(ceilingUSD float64) *Tracker {
	c := decimal.NewFromFloat(ceilingUSD)
	if c.IsNegative() {
		c = decimal.Zero
	}
	return &Tracker{ceiling: c}
}

// CanAfford 只读判断：spent + reserved + cost 是否仍在上限内。
func (t *Tracker) CanAfford(costUSD float64) bool {
	cost := decimal.NewFromFloat(costUSD)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent.Add(t.reserved).Add(cost).Cmp(t.ceiling) <= 0
}

// TryReserve 原子检查并预留。两个抽取器在上限附近竞争时只有一个能成功。
func (t *Tracker) TryReserve(costUSD float64) bool {
	cost := decimal.NewFromFloat(costUSD)
	if cost.IsNegative() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.spent.Add(t.reserved).Add(cost).Cmp(t.ceiling) > 0 {
		return false
	}
	t.reserved = t.reserved.Add(cost)
	return true
}

// Commit 将此前预留的金额转入 spent。仅在抽取器成功返回后调用；
// 失败或超时的调用走 Refund，不计费。
func (t *Tracker) Commit(costUSD float64) {
	cost := decimal.NewFromFloat(costUSD)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved = t.reserved.Sub(cost)
	if t.reserved.IsNegative() {
		t.reserved = decimal.Zero
	}
	t.spent = t.spent.Add(cost)
	if t.spent.Cmp(t.ceiling) > 0 {
		// 预留语义下不应发生；出现说明调用方绕过了 TryReserve
		t.spent = t.ceiling
	}
}

// Refund 释放预留（抽取器失败/超时/取消）。
func (t *Tracker) Refund(costUSD float64) {
	cost := decimal.NewFromFloat(costUSD)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved = t.reserved.Sub(cost)
	if t.reserved.IsNegative() {
		t.reserved = decimal.Zero
	}
}

// Remaining 剩余可用额度（扣除预留）。
func (t *Tracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, _ := t.ceiling.Sub(t.spent).Sub(t.reserved).Float64()
	if r < 0 {
		return 0
	}
	return r
}

// Spent 已结算金额。
func (t *Tracker) Spent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, _ := t.spent.Float64()
	return s
}

// Ceiling 配置的上限。
func (t *Tracker) Ceiling() float64 {
	c, _ := t.ceiling.Float64()
	return c
}
