// Package framestream runs the single producer loop and holds the latest
// encoded frame for streaming consumers.
package framestream

import (
	"sync"
	"time"
)

// Published is one encoded frame as seen by a consumer.
type Published struct {
	Data []byte
	Seq  uint64
	At   time.Time
}

// Publisher is a single-slot buffer: each Publish overwrites the previous
// frame and there is no backlog. Consumers copy the slot out and release
// the lock immediately, so a slow consumer never holds up the producer.
type Publisher struct {
	mu   sync.RWMutex
	data []byte
	seq  uint64
	at   time.Time
	now  func() time.Time
}

// NewPublisher creates an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{now: time.Now}
}

// Publish stores a private copy of data. Empty payloads are ignored so a
// consumer never sees a partial or blank frame.
func (p *Publisher) Publish(data []byte) uint64 {
	if len(data) == 0 {
		return p.Seq()
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	at := p.now()

	p.mu.Lock()
	p.data = cp
	p.seq++
	p.at = at
	seq := p.seq
	p.mu.Unlock()
	return seq
}

// Latest copies out the current frame. ok is false until the first Publish.
func (p *Publisher) Latest() (Published, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.data == nil {
		return Published{}, false
	}
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return Published{Data: out, Seq: p.seq, At: p.at}, true
}

// Seq is the sequence number of the current frame, 0 before the first.
func (p *Publisher) Seq() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}
