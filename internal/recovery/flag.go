package recovery

import (
	"context"
	"sync"
	"time"
)

// State is the observable recovery status.
type State struct {
	Recovered bool      `json:"recovered"`
	At        time.Time `json:"at,omitzero"`
}

// Flag records that the live database was restored from a snapshot, so the
// user can be told once. It is safe for concurrent use.
type Flag struct {
	mu       sync.Mutex
	state    State
	watchers map[chan State]struct{}
}

// NewFlag returns a cleared Flag.
func NewFlag() *Flag {
	return &Flag{watchers: make(map[chan State]struct{})}
}

// Set marks the database as recovered at the given time.
func (f *Flag) Set(at time.Time) {
	f.update(State{Recovered: true, At: at})
}

// Dismiss clears the flag. Stored snapshots are not affected.
func (f *Flag) Dismiss() {
	f.update(State{})
}

// State returns the current status.
func (f *Flag) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Watch returns a channel that receives the current status and then every
// change until ctx is done. A slow reader sees only the latest status.
func (f *Flag) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	f.mu.Lock()
	ch <- f.state
	f.watchers[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watchers, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

func (f *Flag) update(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state = s
	for ch := range f.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
