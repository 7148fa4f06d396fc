package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type countingBroker struct {
	mu           sync.Mutex
	subscribes   map[string]int
	unsubscribes map[string]int
	active       map[string]bool
	failSub      error
	failUnsubs   int
	onSubscribe  func(channel string)
}

func newCountingBroker() *countingBroker {
	return &countingBroker{
		subscribes:   map[string]int{},
		unsubscribes: map[string]int{},
		active:       map[string]bool{},
	}
}

func (b *countingBroker) Subscribe(ctx context.Context, channels ...string) error {
	if b.failSub != nil {
		return b.failSub
	}
	for _, c := range channels {
		if b.onSubscribe != nil {
			b.onSubscribe(c)
		}
		b.mu.Lock()
		if b.active[c] {
			b.mu.Unlock()
			return fmt.Errorf("double subscribe of %s", c)
		}
		b.subscribes[c]++
		b.active[c] = true
		b.mu.Unlock()
	}
	return nil
}

func (b *countingBroker) Unsubscribe(ctx context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failUnsubs > 0 {
		b.failUnsubs--
		return errors.New("connection reset")
	}
	for _, c := range channels {
		b.unsubscribes[c]++
		b.active[c] = false
	}
	return nil
}

func (b *countingBroker) counts(channel string) (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[channel], b.unsubscribes[channel]
}

type fakeMember struct {
	id     string
	closed atomic.Bool
}

func (m *fakeMember) ID() string   { return m.id }
func (m *fakeMember) Closed() bool { return m.closed.Load() }

func TestReferenceCountingAcrossSockets(t *testing.T) {
	broker := newCountingBroker()
	reg := New(broker)
	ctx := context.Background()
	a, b := &fakeMember{id: "a"}, &fakeMember{id: "b"}

	if added, err := reg.Subscribe(ctx, "conv:1", a); err != nil || !added {
		t.Fatalf("subscribe a: %v %v", added, err)
	}
	if added, err := reg.Subscribe(ctx, "conv:1", b); err != nil || !added {
		t.Fatalf("subscribe b: %v %v", added, err)
	}
	if subs, _ := broker.counts("conv:1"); subs != 1 {
		t.Fatalf("expected one broker subscribe, got %d", subs)
	}

	if err := reg.UnsubscribeAll(ctx, a); err != nil {
		t.Fatalf("UnsubscribeAll a: %v", err)
	}
	if _, unsubs := broker.counts("conv:1"); unsubs != 0 {
		t.Fatalf("channel released while b still registered")
	}
	if len(reg.Sockets("conv:1")) != 1 {
		t.Fatalf("expected b to remain")
	}

	if err := reg.UnsubscribeAll(ctx, b); err != nil {
		t.Fatalf("UnsubscribeAll b: %v", err)
	}
	if _, unsubs := broker.counts("conv:1"); unsubs != 1 {
		t.Fatalf("expected one broker unsubscribe, got %d", unsubs)
	}
	if reg.ChannelCount() != 0 || reg.MemberCount() != 0 {
		t.Fatalf("expected empty registry, got %d channels %d members", reg.ChannelCount(), reg.MemberCount())
	}
}

func TestSubscribeIsIdempotentPerMember(t *testing.T) {
	broker := newCountingBroker()
	reg := New(broker)
	a := &fakeMember{id: "a"}

	_, _ = reg.Subscribe(context.Background(), "user:1", a)
	added, err := reg.Subscribe(context.Background(), "user:1", a)
	if err != nil || added {
		t.Fatalf("expected no-op second subscribe, got %v %v", added, err)
	}
	if subs, _ := broker.counts("user:1"); subs != 1 {
		t.Fatalf("expected one broker subscribe, got %d", subs)
	}
}

func TestUnsubscribeSingleChannel(t *testing.T) {
	broker := newCountingBroker()
	reg := New(broker)
	ctx := context.Background()
	a := &fakeMember{id: "a"}

	_, _ = reg.Subscribe(ctx, "conv:1", a)
	_, _ = reg.Subscribe(ctx, "conv:2", a)

	if removed, err := reg.Unsubscribe(ctx, "conv:1", a); err != nil || !removed {
		t.Fatalf("Unsubscribe: %v %v", removed, err)
	}
	if removed, _ := reg.Unsubscribe(ctx, "conv:1", a); removed {
		t.Fatalf("second unsubscribe should be a no-op")
	}
	if removed, _ := reg.Unsubscribe(ctx, "conv:nope", a); removed {
		t.Fatalf("unknown channel should be a no-op")
	}
	if _, unsubs := broker.counts("conv:1"); unsubs != 1 {
		t.Fatalf("expected broker unsubscribe, got %d", unsubs)
	}
	if got := reg.Channels(a); len(got) != 1 || got[0] != "conv:2" {
		t.Fatalf("unexpected channels %v", got)
	}
	if reg.IsSubscribed("conv:1", a) || !reg.IsSubscribed("conv:2", a) {
		t.Fatalf("IsSubscribed out of sync with indexes")
	}
}

func TestUnsubscribeAllIsIdempotent(t *testing.T) {
	broker := newCountingBroker()
	reg := New(broker)
	ctx := context.Background()
	a := &fakeMember{id: "a"}

	_, _ = reg.Subscribe(ctx, "user:1", a)
	_, _ = reg.Subscribe(ctx, "conv:1", a)

	for i := 0; i < 3; i++ {
		if err := reg.UnsubscribeAll(ctx, a); err != nil {
			t.Fatalf("UnsubscribeAll #%d: %v", i, err)
		}
	}
	for _, ch := range []string{"user:1", "conv:1"} {
		if subs, unsubs := broker.counts(ch); subs != 1 || unsubs != 1 {
			t.Fatalf("%s: expected 1/1, got %d/%d", ch, subs, unsubs)
		}
	}
}

func TestSubscribeClosedMember(t *testing.T) {
	broker := newCountingBroker()
	reg := New(broker)
	a := &fakeMember{id: "a"}
	a.closed.Store(true)

	if _, err := reg.Subscribe(context.Background(), "conv:1", a); !errors.Is(err, ErrMemberClosed) {
		t.Fatalf("expected ErrMemberClosed, got %v", err)
	}
	if subs, _ := broker.counts("conv:1"); subs != 0 {
		t.Fatalf("closed member must not reach the broker")
	}
}

func TestSubscribeRacingClose(t *testing.T) {
	broker := newCountingBroker()
	reg := New(broker)
	a := &fakeMember{id: "a"}
	broker.onSubscribe = func(string) { a.closed.Store(true) }

	if _, err := reg.Subscribe(context.Background(), "conv:1", a); !errors.Is(err, ErrMemberClosed) {
		t.Fatalf("expected ErrMemberClosed, got %v", err)
	}
	if subs, unsubs := broker.counts("conv:1"); subs != 1 || unsubs != 1 {
		t.Fatalf("expected subscribe to be undone, got %d/%d", subs, unsubs)
	}
	if reg.ChannelCount() != 0 {
		t.Fatalf("channel should not be indexed")
	}
}

func TestSubscribeBrokerFailureLeavesNoEntry(t *testing.T) {
	broker := newCountingBroker()
	broker.failSub = errors.New("redis down")
	reg := New(broker)
	a := &fakeMember{id: "a"}

	if _, err := reg.Subscribe(context.Background(), "conv:1", a); err == nil {
		t.Fatal("expected broker error")
	}
	if reg.IsSubscribed("conv:1", a) || reg.ChannelCount() != 0 {
		t.Fatalf("failed subscribe must not be indexed")
	}
}

func TestConcurrentSubscribersShareOneBrokerSubscription(t *testing.T) {
	broker := newCountingBroker()
	reg := New(broker)
	ctx := context.Background()

	members := make([]*fakeMember, 50)
	var wg sync.WaitGroup
	for i := range members {
		members[i] = &fakeMember{id: fmt.Sprintf("m%d", i)}
		wg.Add(1)
		go func(m *fakeMember) {
			defer wg.Done()
			if _, err := reg.Subscribe(ctx, "conv:hot", m); err != nil {
				t.Errorf("subscribe: %v", err)
			}
		}(members[i])
	}
	wg.Wait()

	if subs, _ := broker.counts("conv:hot"); subs != 1 {
		t.Fatalf("expected exactly one broker subscribe, got %d", subs)
	}
	if len(reg.Sockets("conv:hot")) != len(members) {
		t.Fatalf("expected all members registered")
	}

	for _, m := range members {
		wg.Add(1)
		go func(m *fakeMember) {
			defer wg.Done()
			m.closed.Store(true)
			_ = reg.UnsubscribeAll(ctx, m)
		}(m)
	}
	wg.Wait()

	if subs, unsubs := broker.counts("conv:hot"); subs != 1 || unsubs != 1 {
		t.Fatalf("expected 1/1 broker calls, got %d/%d", subs, unsubs)
	}
}

func TestUnsubscribeRetriesFailedRelease(t *testing.T) {
	broker := newCountingBroker()
	reg := New(broker)
	ctx := context.Background()
	a := &fakeMember{id: "a"}

	_, _ = reg.Subscribe(ctx, "conv:1", a)
	broker.failUnsubs = 1

	removed, err := reg.Unsubscribe(ctx, "conv:1", a)
	if err != nil || !removed {
		t.Fatalf("expected retried release to succeed, got %v %v", removed, err)
	}
	if _, unsubs := broker.counts("conv:1"); unsubs != 1 {
		t.Fatalf("expected broker to be released once, got %d", unsubs)
	}
	if added, err := reg.Subscribe(ctx, "conv:1", a); err != nil || !added {
		t.Fatalf("resubscribe after retried release: %v %v", added, err)
	}
}

func TestUnsubscribeReportsChannelWhenReleaseFails(t *testing.T) {
	broker := newCountingBroker()
	reg := New(broker)
	ctx := context.Background()
	a := &fakeMember{id: "a"}

	_, _ = reg.Subscribe(ctx, "conv:1", a)
	broker.failUnsubs = 2

	removed, err := reg.Unsubscribe(ctx, "conv:1", a)
	if !removed || err == nil {
		t.Fatalf("expected removal with error, got %v %v", removed, err)
	}
	if !strings.Contains(err.Error(), "conv:1") {
		t.Fatalf("expected error to name the channel, got %v", err)
	}
	if reg.IsSubscribed("conv:1", a) {
		t.Fatal("member should be out of the index even when the broker fails")
	}
}
