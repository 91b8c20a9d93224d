package session

import (
	"sync"
)

// AckResult ACK/NACK等待结果
type AckResult struct {
	Nack      bool
	Code      uint8  // NACK携带的设备错误码
	Timestamp uint32 // ACK包头时间戳(设备毫秒)
}

type pendingAck struct {
	typ uint8
	seq uint8
	ch  chan AckResult // 容量1, 读循环完成后即可丢手
	err chan error     // 容量1, 断开时统一失败
}

// pendingTable 按序号索引的定长等待表。
// 序号空间有界(mod 256), 用256槽数组代替动态map, 回绕即自然复用。
// 不变式: 每个(type, seq)至多一个在途等待者。
type pendingTable struct {
	mu    sync.Mutex
	slots [256]*pendingAck
}

// add 登记一个等待者。槽位若被陈旧条目占用则直接顶替,
// 旧等待者由其自身的截止时间收尾。
func (t *pendingTable) add(typ, seq uint8) *pendingAck {
	p := &pendingAck{
		typ: typ,
		seq: seq,
		ch:  make(chan AckResult, 1),
		err: make(chan error, 1),
	}
	t.mu.Lock()
	t.slots[seq] = p
	t.mu.Unlock()
	return p
}

// remove 撤销等待者, 仅当槽内仍是同一条目时生效(截止超时路径)
func (t *pendingTable) remove(p *pendingAck) {
	t.mu.Lock()
	if t.slots[p.seq] == p {
		t.slots[p.seq] = nil
	}
	t.mu.Unlock()
}

// complete 按(ack_type, ack_seq)匹配并完成等待者。
// 无匹配或类型不符返回false, 由调用方记日志。
func (t *pendingTable) complete(ackType, ackSeq uint8, res AckResult) bool {
	t.mu.Lock()
	p := t.slots[ackSeq]
	if p == nil || p.typ != ackType {
		t.mu.Unlock()
		return false
	}
	t.slots[ackSeq] = nil
	t.mu.Unlock()

	p.ch <- res
	return true
}

// failAll 会话关闭时统一失败所有在途等待者
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	var waiters []*pendingAck
	for i, p := range t.slots {
		if p != nil {
			waiters = append(waiters, p)
			t.slots[i] = nil
		}
	}
	t.mu.Unlock()

	for _, p := range waiters {
		p.err <- err
	}
}
