package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/agrosense/spectral-tiles/internal/invalidation"
)

type fakePurger struct {
	failFirst atomic.Bool
	mu        sync.Mutex
	purged    []string
}

func (f *fakePurger) PurgeIndex(_ context.Context, index string) (int, error) {
	f.mu.Lock()
	f.purged = append(f.purged, index)
	f.mu.Unlock()
	if f.failFirst.Load() {
		f.failFirst.Store(false)
		return 0, errors.New("boom")
	}
	return 3, nil
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "imagery-reprocessed" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func purgeEventBytes(index string) []byte {
	ev := invalidation.Event{
		Version: 1, Op: invalidation.OpPurge, Index: index, TS: time.Now().UTC(),
		Source: "reprocessing",
	}
	b, _ := json.Marshal(ev)
	return b
}

func newConsumerForTest(p Purger) *Consumer {
	cfg := Default([]string{"x"}, "imagery-reprocessed", "g")
	return New(cfg, zerolog.Nop(), p)
}

func TestCommitAfterPurge(t *testing.T) {
	fp := &fakePurger{}
	c := newConsumerForTest(fp)

	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: context.Background()}
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Topic: "imagery-reprocessed", Partition: 0, Offset: 10, Value: purgeEventBytes("ndvi")}
	ch <- &sarama.ConsumerMessage{Topic: "imagery-reprocessed", Partition: 0, Offset: 11, Value: purgeEventBytes("ndwi")}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets = %v, want [10 11]", s.marked)
	}
	if len(fp.purged) != 2 || fp.purged[0] != "ndvi" || fp.purged[1] != "ndwi" {
		t.Fatalf("purged = %v", fp.purged)
	}
}

func TestNoCommitOnPurgeFailure(t *testing.T) {
	fp := &fakePurger{}
	fp.failFirst.Store(true)
	c := newConsumerForTest(fp)
	ctx := context.Background()

	msg := &sarama.ConsumerMessage{Topic: "imagery-reprocessed", Partition: 0, Offset: 5, Value: purgeEventBytes("ndvi")}
	if err := c.ProcessOne(ctx, msg); err == nil {
		t.Fatal("expected error on first attempt")
	}

	s := &sess{ctx: ctx}
	g := &groupHandler{process: c.ProcessOne}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("offset not marked after success; marked = %v", s.marked)
	}
}

func TestInvalidEventRejected(t *testing.T) {
	fp := &fakePurger{}
	c := newConsumerForTest(fp)

	msg := &sarama.ConsumerMessage{Topic: "imagery-reprocessed", Offset: 1, Value: []byte(`{"version":2,"op":"purge"}`)}
	if err := c.ProcessOne(context.Background(), msg); err == nil {
		t.Fatal("invalid event accepted")
	}
	if len(fp.purged) != 0 {
		t.Fatalf("purge ran for invalid event: %v", fp.purged)
	}
}
