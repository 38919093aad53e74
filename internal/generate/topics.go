package generate

import "sync"

// DefaultTopics rotate when no topics are configured.
var DefaultTopics = []string{
	"LeetCode problem-solving strategies",
	"System design patterns",
	"Coding best practices",
	"Computer science fundamentals",
	"Indie hacking product development",
	"Algorithm optimization techniques",
}

// Rotator hands out topics round-robin.
type Rotator struct {
	mu     sync.Mutex
	topics []string
	next   int
}

func NewRotator(topics []string, start int) *Rotator {
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	t := append([]string(nil), topics...)
	if start < 0 {
		start = -start
	}
	return &Rotator{topics: t, next: start % len(t)}
}

func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.topics[r.next]
	r.next = (r.next + 1) % len(r.topics)
	return t
}

// SetTopics replaces the rotation, keeping the position when possible.
func (r *Rotator) SetTopics(topics []string) {
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append([]string(nil), topics...)
	r.next %= len(r.topics)
}
