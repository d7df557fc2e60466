package worker

import (
	"container/list"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"edututor/internal/service/ai"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptGen struct {
	fragments []string
	err       error
	gate      chan struct{} // when set, Stream waits for it before yielding
	started   chan string   // receives req.Prompt when Stream begins

	mu        sync.Mutex
	cancelled int
}

func (g *scriptGen) Stream(ctx context.Context, req ai.Request, yield func(string) error) error {
	if g.started != nil {
		g.started <- req.Prompt
	}
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			g.mu.Lock()
			g.cancelled++
			g.mu.Unlock()
			return ctx.Err()
		}
	}
	for _, f := range g.fragments {
		if err := yield(f); err != nil {
			return err
		}
	}
	if req.Prompt == "panic" {
		panic("boom")
	}
	return g.err
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(events))
		}
	}
}

func kinds(events []Event) string {
	parts := make([]string, 0, len(events))
	for _, ev := range events {
		parts = append(parts, ev.Kind.String())
	}
	return strings.Join(parts, ",")
}

func newTestBridge(gen Generator, cfg DispatcherConfig) *Bridge {
	return NewBridge(gen, cfg, zap.NewNop())
}

func TestBridgeStreamsFragmentsThenEnd(t *testing.T) {
	b := newTestBridge(&scriptGen{fragments: []string{"Le ", "soleil ", "brille."}}, DispatcherConfig{MinWorkers: 1, MaxWorkers: 2})
	defer b.Close()

	ch, err := b.Stream(context.Background(), 1, ai.Request{Prompt: "soleil"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collect(t, ch)
	if got := kinds(events); got != "fragment,fragment,fragment,end" {
		t.Fatalf("unexpected event sequence %s", got)
	}
	var text strings.Builder
	for _, ev := range events[:3] {
		text.WriteString(ev.Text)
	}
	if text.String() != "Le soleil brille." {
		t.Fatalf("fragments out of order: %q", text.String())
	}
}

func TestBridgeGeneratorErrorThenEnd(t *testing.T) {
	boom := errors.New("model unavailable")
	b := newTestBridge(&scriptGen{fragments: []string{"Bon"}, err: boom}, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1})
	defer b.Close()

	ch, err := b.Stream(context.Background(), 1, ai.Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := collect(t, ch)
	if got := kinds(events); got != "fragment,error,end" {
		t.Fatalf("unexpected event sequence %s", got)
	}
	if !errors.Is(events[1].Err, boom) {
		t.Fatalf("expected generator error, got %v", events[1].Err)
	}
}

func TestBridgeRecoversGeneratorPanic(t *testing.T) {
	b := newTestBridge(&scriptGen{}, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1})
	defer b.Close()

	ch, err := b.Stream(context.Background(), 1, ai.Request{Prompt: "panic"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got := kinds(collect(t, ch)); got != "error,end" {
		t.Fatalf("unexpected event sequence %s", got)
	}

	// the worker survives and serves the next job
	ch, err = b.Stream(context.Background(), 1, ai.Request{Prompt: "ok"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got := kinds(collect(t, ch)); got != "end" {
		t.Fatalf("unexpected event sequence %s", got)
	}
}

func TestBridgeCancelClosesWithoutEnd(t *testing.T) {
	gen := &scriptGen{fragments: []string{"jamais"}, gate: make(chan struct{}), started: make(chan string, 1)}
	b := newTestBridge(gen, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Stream(ctx, 9, ai.Request{Prompt: "long"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	<-gen.started
	cancel()

	if events := collect(t, ch); len(events) != 0 {
		t.Fatalf("expected no events after cancel, got %s", kinds(events))
	}
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if gen.cancelled != 1 {
		t.Fatalf("generator should observe cancellation, got %d", gen.cancelled)
	}
}

func TestBridgeRejectsCancelledContext(t *testing.T) {
	b := newTestBridge(&scriptGen{}, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Stream(ctx, 1, ai.Request{Prompt: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBridgeBusyWhenQueueFull(t *testing.T) {
	gen := &scriptGen{gate: make(chan struct{})}
	b := newTestBridge(gen, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	defer b.Close()

	// one running, one held by the dispatcher, one in the queue: a fourth
	// submission cannot fit.
	var accepted []<-chan Event
	busy := false
	for i := 0; i < 4; i++ {
		ch, err := b.Stream(context.Background(), int64(i), ai.Request{Prompt: "x"})
		if errors.Is(err, ErrDispatcherBusy) {
			busy = true
			continue
		}
		if err != nil {
			t.Fatalf("stream %d: %v", i, err)
		}
		accepted = append(accepted, ch)
	}
	if !busy {
		t.Fatalf("expected ErrDispatcherBusy")
	}

	close(gen.gate)
	for i, ch := range accepted {
		if got := kinds(collect(t, ch)); got != "end" {
			t.Fatalf("job %d: unexpected event sequence %s", i, got)
		}
	}
}

func TestBridgeCloseAbortsQueuedJobs(t *testing.T) {
	gen := &scriptGen{gate: make(chan struct{}), started: make(chan string, 4)}
	b := newTestBridge(gen, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})

	running, err := b.Stream(context.Background(), 1, ai.Request{Prompt: "first"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	<-gen.started
	queued, err := b.Stream(context.Background(), 2, ai.Request{Prompt: "second"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	b.Close()
	b.Close()

	if events := collect(t, running); len(events) != 0 {
		t.Fatalf("running job should close without events, got %s", kinds(events))
	}
	if events := collect(t, queued); len(events) != 0 {
		t.Fatalf("queued job should close without events, got %s", kinds(events))
	}
	if _, err := b.Stream(context.Background(), 3, ai.Request{Prompt: "x"}); !errors.Is(err, ErrBridgeClosed) {
		t.Fatalf("expected ErrBridgeClosed, got %v", err)
	}
}

func TestDispatcherCancelKeyDropsQueuedJobs(t *testing.T) {
	d := &Dispatcher{
		queues:    make(map[int64]*keyQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	ctx := context.Background()
	outs := make([]chan Event, 3)
	for i, key := range []int64{5, 5, 6} {
		outs[i] = make(chan Event, 1)
		d.enqueueJob(job{key: key, ctx: ctx, out: outs[i], release: func() {}})
	}

	d.CancelKey(5)
	d.CancelKey(42)

	for i := 0; i < 2; i++ {
		if _, ok := <-outs[i]; ok {
			t.Fatalf("job %d: channel should be closed", i)
		}
	}
	j, ok := d.nextJob()
	if !ok || j.key != 6 {
		t.Fatalf("expected the job for key 6 to survive, got %+v %v", j, ok)
	}
	if _, ok := d.nextJob(); ok {
		t.Fatalf("expected no more jobs")
	}
}

func TestDispatcherRoundRobinAcrossKeys(t *testing.T) {
	d := &Dispatcher{
		queues:    make(map[int64]*keyQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	ctx := context.Background()
	for _, j := range []job{
		{key: 1, ctx: ctx, req: ai.Request{Prompt: "a1"}},
		{key: 1, ctx: ctx, req: ai.Request{Prompt: "a2"}},
		{key: 1, ctx: ctx, req: ai.Request{Prompt: "a3"}},
		{key: 2, ctx: ctx, req: ai.Request{Prompt: "b1"}},
		{key: 3, ctx: ctx, req: ai.Request{Prompt: "c1"}},
	} {
		d.enqueueJob(j)
	}

	var order []string
	for {
		j, ok := d.nextJob()
		if !ok {
			break
		}
		order = append(order, j.req.Prompt)
	}
	if got := strings.Join(order, ","); got != "a1,b1,c1,a2,a3" {
		t.Fatalf("unexpected dispatch order %s", got)
	}
	if len(d.queues) != 0 || d.ready.Len() != 0 {
		t.Fatalf("queues should be empty after draining")
	}
}

func TestPoolRetiresExpiredIdleWorkers(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	p := newJobChannelPool(1, 3, time.Hour, &scriptGen{}, zap.NewNop())
	p.now = clock
	defer p.close()
	for i := 0; i < 3; i++ {
		p.spawnWorker()
	}
	waitFor(t, func() bool { _, idle := p.stats(); return idle == 3 })

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	p.shutdownExpired()

	waitFor(t, func() bool { workers, _ := p.stats(); return workers == 1 })
	if _, idle := p.stats(); idle != 1 {
		t.Fatalf("expected the minimum worker to stay idle, got %d", idle)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
