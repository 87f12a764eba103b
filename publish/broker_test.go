package publish

import (
	"errors"
	"sync"

	"github.com/IBM/sarama"

	"catlock/event"
)

// fakeBroker keeps one committed log per topic. Records of a transaction
// reach the log only on commit, which is what a read-committed consumer
// observes.
type fakeBroker struct {
	mu        sync.Mutex
	log       []*sarama.ProducerMessage
	producers []*fakeProducer

	failOpen   error
	failBegin  error
	failSend   error
	failCommit error
}

func (b *fakeBroker) factory(key string) (Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOpen != nil {
		return nil, b.failOpen
	}
	p := &fakeProducer{broker: b, key: key}
	b.producers = append(b.producers, p)
	return p, nil
}

func (b *fakeBroker) visible() []*event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*event.Event, 0, len(b.log))
	for _, m := range b.log {
		data, _ := m.Value.Encode()
		e, err := event.Unmarshal(data)
		if err != nil {
			panic(err)
		}
		out = append(out, e)
	}
	return out
}

func (b *fakeBroker) visibleIDs() []string {
	var ids []string
	for _, e := range b.visible() {
		ids = append(ids, e.ID)
	}
	return ids
}

func (b *fakeBroker) opened() []*fakeProducer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeProducer(nil), b.producers...)
}

func (b *fakeBroker) setFailure(field *error, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*field = err
}

func (b *fakeBroker) failure(field *error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *field
}

type fakeProducer struct {
	broker *fakeBroker
	key    string

	mu      sync.Mutex
	inTxn   bool
	pending []*sarama.ProducerMessage
	begins  int
	commits int
	aborts  int
	closes  int
}

var _ Producer = (*fakeProducer)(nil)

func (p *fakeProducer) BeginTxn() error {
	if err := p.broker.failure(&p.broker.failBegin); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inTxn {
		return errors.New("transaction already in progress")
	}
	p.inTxn = true
	p.begins++
	return nil
}

func (p *fakeProducer) Send(msg *sarama.ProducerMessage) error {
	if err := p.broker.failure(&p.broker.failSend); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn {
		return ErrNotInTransaction
	}
	p.pending = append(p.pending, msg)
	return nil
}

func (p *fakeProducer) CommitTxn() error {
	if err := p.broker.failure(&p.broker.failCommit); err != nil {
		return err
	}
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.inTxn = false
	p.commits++
	p.mu.Unlock()

	p.broker.mu.Lock()
	p.broker.log = append(p.broker.log, pending...)
	p.broker.mu.Unlock()
	return nil
}

func (p *fakeProducer) AbortTxn() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.inTxn = false
	p.aborts++
	return nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakeProducer) counts() (begins, commits, aborts, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.begins, p.commits, p.aborts, p.closes
}
