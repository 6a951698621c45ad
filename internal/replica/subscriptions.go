package replica

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaytree/internal/remote"
	"github.com/agentworkforce/relaytree/internal/tree"
)

type State int

const (
	StateDetached State = iota
	StateAttaching
	StateAttached
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	default:
		return "detached"
	}
}

const (
	defaultReconnectDelay  = time.Second
	defaultReconnectJitter = 0.2
)

// subscriptions owns the per-topic event pumps of the current workspace.
type subscriptions struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// resyncing is set while a resync runs; resyncAgain asks it to run once
	// more for streams reopened meanwhile.
	resyncing   bool
	resyncAgain bool

	delay  time.Duration
	jitter float64
	rngMu  sync.Mutex
	rng    *rand.Rand
}

func (s *subscriptions) init(delay time.Duration, jitter float64) {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	if jitter <= 0 {
		jitter = defaultReconnectJitter
	}
	s.delay = delay
	s.jitter = jitter
	s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
}

func (r *Replica) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ChangeWorkspace switches the replica to workspaceID. It drops the current
// subscriptions and forest, opens one subscription per topic for the new
// workspace and loads its roots. Events that arrive during the root load
// are replayed on top of it. An empty id leaves the replica detached.
func (r *Replica) ChangeWorkspace(ctx context.Context, workspaceID string) error {
	r.DisposeSubscriptions()

	workspaceID = strings.TrimSpace(workspaceID)
	r.mu.Lock()
	r.resetLocked(workspaceID)
	if workspaceID == "" {
		r.mu.Unlock()
		return nil
	}
	r.state = StateAttaching
	epoch, gen := r.epoch, r.attachGen
	r.mu.Unlock()

	ready := r.attach(epoch, gen, workspaceID)
	select {
	case <-ready:
	case <-ctx.Done():
		r.DisposeSubscriptions()
		return ctx.Err()
	}
	if err := r.LoadRoots(ctx); err != nil {
		if errors.Is(err, ErrWorkspaceChanged) {
			return err
		}
		r.DisposeSubscriptions()
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return ErrWorkspaceChanged
	}
	if r.attachGen != gen {
		return ErrSubscriptionsDisposed
	}
	r.state = StateAttached
	r.logf("attached to workspace %s", workspaceID)
	return nil
}

// DisposeSubscriptions stops every event pump. The forest is kept as is.
// An attach in progress is abandoned and its ChangeWorkspace call returns
// ErrSubscriptionsDisposed.
func (r *Replica) DisposeSubscriptions() {
	r.mu.Lock()
	r.attachGen++
	r.state = StateDetached
	r.mu.Unlock()

	r.subs.mu.Lock()
	cancel := r.subs.cancel
	r.subs.cancel = nil
	r.subs.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.subs.wg.Wait()
}

// attach starts one pump per topic. The returned channel closes once every
// pump has made its first subscribe attempt.
func (r *Replica) attach(epoch, gen uint64, workspaceID string) <-chan struct{} {
	ready := make(chan struct{})
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch || r.attachGen != gen {
		close(ready)
		return ready
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.subs.mu.Lock()
	if prev := r.subs.cancel; prev != nil {
		// A racing switch attached first; both sets go on the next dispose.
		r.subs.cancel = func() { prev(); cancel() }
	} else {
		r.subs.cancel = cancel
	}
	r.subs.mu.Unlock()

	var opened sync.WaitGroup
	opened.Add(len(remote.Topics))
	for _, topic := range remote.Topics {
		r.subs.wg.Add(1)
		go func(topic remote.Topic) {
			defer r.subs.wg.Done()
			r.pump(ctx, epoch, workspaceID, topic, opened.Done)
		}(topic)
	}
	go func() {
		opened.Wait()
		close(ready)
	}()
	return ready
}

// pump keeps one topic subscribed until ctx ends, reopening the stream
// after a jittered delay whenever it dies. Every reopened stream schedules
// a resync, since events committed while it was down are lost.
func (r *Replica) pump(ctx context.Context, epoch uint64, workspaceID string, topic remote.Topic, opened func()) {
	var once sync.Once
	defer once.Do(opened)
	reopening := false
	for {
		stream, err := r.source.Subscribe(ctx, workspaceID, topic)
		once.Do(opened)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logf("subscribe %s for %s failed: %v", topic, workspaceID, err)
		} else {
			if reopening {
				r.requestResync(ctx, epoch)
			}
			err = r.consume(ctx, epoch, topic, stream)
			_ = stream.Close()
			if ctx.Err() != nil {
				return
			}
			r.logf("%s stream for %s ended: %v", topic, workspaceID, err)
		}
		reopening = true
		if !sleepContext(ctx, r.subs.reconnectDelay()) {
			return
		}
	}
}

// requestResync starts a resync, or queues one more if one is running.
// Called from a pump, so the wait group is already held.
func (r *Replica) requestResync(ctx context.Context, epoch uint64) {
	r.subs.mu.Lock()
	if r.subs.resyncing {
		r.subs.resyncAgain = true
		r.subs.mu.Unlock()
		return
	}
	r.subs.resyncing = true
	r.subs.mu.Unlock()

	r.subs.wg.Add(1)
	go func() {
		defer r.subs.wg.Done()
		for {
			r.resync(ctx, epoch)
			r.subs.mu.Lock()
			if !r.subs.resyncAgain || ctx.Err() != nil {
				r.subs.resyncing = false
				r.subs.resyncAgain = false
				r.subs.mu.Unlock()
				return
			}
			r.subs.resyncAgain = false
			r.subs.mu.Unlock()
		}
	}()
}

// resync reloads the roots and expands again every collection that was
// expanded before, parents first.
func (r *Replica) resync(ctx context.Context, epoch uint64) {
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return
	}
	expanded := expandedIDs(r.forest)
	r.mu.Unlock()

	if err := r.LoadRoots(ctx); err != nil {
		if ctx.Err() == nil {
			r.logf("resync roots: %v", err)
		}
		return
	}
	for _, id := range expanded {
		if err := r.ExpandCollection(ctx, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logf("resync %s: %v", id, err)
		}
	}
}

func expandedIDs(forest tree.Forest) []string {
	var ids []string
	var visit func(nodes []*tree.CollectionNode)
	visit = func(nodes []*tree.CollectionNode) {
		for _, node := range nodes {
			if node.Expanded() {
				ids = append(ids, node.ID)
				visit(node.Children)
			}
		}
	}
	visit(forest)
	return ids
}

func (r *Replica) consume(ctx context.Context, epoch uint64, topic remote.Topic, stream EventStream) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			var evErr *EventError
			if errors.As(err, &evErr) {
				r.onEventError(topic, evErr)
				continue
			}
			return err
		}
		r.applyForEpoch(epoch, ev)
	}
}

func (s *subscriptions) reconnectDelay() time.Duration {
	s.rngMu.Lock()
	sample := s.rng.Float64()
	s.rngMu.Unlock()
	return jitteredDelay(s.delay, s.jitter, sample)
}

// jitteredDelay spreads base by up to ±jitterRatio using a sample in [0,1].
func jitteredDelay(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampUnit(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = clampUnit(sample)
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func clampUnit(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
