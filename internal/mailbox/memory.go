package mailbox

import (
	"context"
	"sync"
)

// MemoryMailbox is an in-process FIFO guarded by a single mutex.
// A capacity of zero means unbounded.
type MemoryMailbox struct {
	name     string
	capacity int

	mu     sync.Mutex
	buf    []Message
	head   int
	closed bool
}

// NewMemoryMailbox 创建内存邮箱。
func NewMemoryMailbox(name string, capacity int) *MemoryMailbox {
	if capacity < 0 {
		capacity = 0
	}
	return &MemoryMailbox{name: name, capacity: capacity}
}

// MemoryFactory 返回创建内存邮箱的工厂。
func MemoryFactory(capacity int) Factory {
	return func(name string) (Mailbox, error) {
		return NewMemoryMailbox(name, capacity), nil
	}
}

// Name 返回邮箱名称。
func (m *MemoryMailbox) Name() string { return m.name }

// Enqueue 追加消息到队尾。
func (m *MemoryMailbox) Enqueue(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMailboxClosed
	}
	if m.capacity > 0 && len(m.buf)-m.head >= m.capacity {
		return ErrMailboxFull
	}
	m.buf = append(m.buf, msg)
	return nil
}

// Dequeue 原子地取出队首消息。
func (m *MemoryMailbox) Dequeue(_ context.Context) (Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.head >= len(m.buf) {
		return Message{}, false, nil
	}
	msg := m.buf[m.head]
	m.buf[m.head] = Message{}
	m.head++

	// compact once the consumed prefix dominates the backing array
	if m.head > 64 && m.head*2 >= len(m.buf) {
		m.buf = append([]Message(nil), m.buf[m.head:]...)
		m.head = 0
	}
	return msg, true, nil
}

// Len 返回当前积压的消息数量。
func (m *MemoryMailbox) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf) - m.head, nil
}

// Close 拒绝后续入队；已入队的消息仍可被取出。
func (m *MemoryMailbox) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
