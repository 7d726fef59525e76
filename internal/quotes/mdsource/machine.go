package mdsource

import (
	"time"

	"cryptopulse.com/internal/quotes/market"
)

// Policy 重连退避参数
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy 5s 起步，翻倍，封顶 60s，最多 10 次
var DefaultPolicy = Policy{
	BaseDelay:   5 * time.Second,
	MaxDelay:    60 * time.Second,
	MaxAttempts: 10,
}

// Delay = min(BaseDelay * 2^attempts, MaxDelay)，移位溢出直接取上限
func (p Policy) Delay(attempts int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 62 || p.BaseDelay > p.MaxDelay>>uint(attempts) {
		return p.MaxDelay
	}
	return p.BaseDelay << uint(attempts)
}

// machine 单个 symbol 的连接状态机，不做 I/O 不加锁，由 Stream 串行驱动
type machine struct {
	state       market.ConnectionState
	attempts    int
	intentional bool
	policy      Policy
}

func newMachine(p Policy) machine {
	return machine{state: market.Disconnected, policy: p}
}

// connect 返回 false 表示不应该发起拨号
func (m *machine) connect() bool {
	if m.intentional {
		return false
	}
	if m.state == market.Connected || m.state == market.Connecting {
		return false
	}
	m.state = market.Connecting
	return true
}

func (m *machine) opened() {
	m.state = market.Connected
	m.attempts = 0
}

func (m *machine) errored() {
	m.state = market.Error
}

// closed 处理一次关闭。retry=true 时调用方需要在 delay 后重连；exhausted 表示重试次数已用完
func (m *machine) closed(shuttingDown bool) (delay time.Duration, retry, exhausted bool) {
	m.state = market.Disconnected
	if m.intentional || shuttingDown {
		return 0, false, false
	}
	if m.attempts >= m.policy.MaxAttempts {
		return 0, false, true
	}
	delay = m.policy.Delay(m.attempts)
	m.attempts++
	m.state = market.Reconnecting
	return delay, true, false
}

// stop 标记主动断开。还有连接时由随后的 close 把状态落到 Disconnected
func (m *machine) stop() {
	m.intentional = true
	if m.state == market.Reconnecting || m.state == market.Error {
		m.state = market.Disconnected
	}
}
