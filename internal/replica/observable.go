package replica

import "sync"

// Observable holds the latest published value. Each watcher receives the
// current value on subscribe and then the newest value after every Set;
// values a slow watcher never read are replaced, not queued.
type Observable[T any] struct {
	mu       sync.Mutex
	value    T
	nextID   int
	watchers map[int]chan T
}

func NewObservable[T any](initial T) *Observable[T] {
	return &Observable[T]{
		value:    initial,
		watchers: map[int]chan T{},
	}
}

func (o *Observable[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

func (o *Observable[T]) Set(value T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = value
	for _, ch := range o.watchers {
		offerLatest(ch, value)
	}
}

// Watch returns a channel replaying the current value and a cancel func
// that closes it.
func (o *Observable[T]) Watch() (<-chan T, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	ch := make(chan T, 1)
	ch <- o.value
	o.watchers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.watchers, id)
			close(ch)
		})
	}
}

// offerLatest replaces any unread value. Callers hold the lock, so no other
// sender can fill the slot between the drain and the send.
func offerLatest[T any](ch chan T, value T) {
	select {
	case <-ch:
	default:
	}
	ch <- value
}
