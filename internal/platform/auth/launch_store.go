package auth

import (
	"context"
	"sync"
	"time"
)

// LaunchContext holds the context an EHR supplies at launch time. It is
// keyed by an opaque launch token, read once by the authorization flow, and
// never shared across process instances.
type LaunchContext struct {
	Patient                string    `json:"patient,omitempty"`
	Encounter              string    `json:"encounter,omitempty"`
	Practitioner           string    `json:"practitioner,omitempty"`
	NeedPatientBanner      bool      `json:"need_patient_banner,omitempty"`
	NeedSmartStyleResponse bool      `json:"need_smart_style_response,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

// Launch-context lifetimes. Entries older than the TTL are evicted on read
// and by the periodic sweep, whether or not they are ever read.
const (
	LaunchContextTTL    = 10 * time.Minute
	launchSweepInterval = 5 * time.Minute
)

// LaunchContextStorer is the port the authorization flow uses for ephemeral
// launch-context storage.
type LaunchContextStorer interface {
	Store(ctx context.Context, token string, lc *LaunchContext) error
	Get(ctx context.Context, token string) (*LaunchContext, error)
	Remove(ctx context.Context, token string) error
}

// LaunchContextStore is the in-memory, single-process implementation: a
// mutex-guarded map with a background sweeper. The clock is injected so
// tests control expiry deterministically.
type LaunchContextStore struct {
	mu       sync.Mutex
	contexts map[string]*LaunchContext
	ttl      time.Duration
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewLaunchContextStore creates a store with the given TTL. A nil clock
// defaults to time.Now.
func NewLaunchContextStore(ttl time.Duration, now func() time.Time) *LaunchContextStore {
	if now == nil {
		now = time.Now
	}
	return &LaunchContextStore{
		contexts: make(map[string]*LaunchContext),
		ttl:      ttl,
		now:      now,
	}
}

// Store saves the context under the launch token, replacing any previous
// entry.
func (s *LaunchContextStore) Store(_ context.Context, token string, lc *LaunchContext) error {
	s.mu.Lock()
	s.contexts[token] = lc
	s.mu.Unlock()
	return nil
}

// Get returns the context if it is within the TTL; an expired entry is
// evicted and nil is returned.
func (s *LaunchContextStore) Get(_ context.Context, token string) (*LaunchContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lc, ok := s.contexts[token]
	if !ok {
		return nil, nil
	}
	if s.now().Sub(lc.CreatedAt) > s.ttl {
		delete(s.contexts, token)
		return nil, nil
	}
	return lc, nil
}

// Remove deletes the entry on explicit consumption.
func (s *LaunchContextStore) Remove(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.contexts, token)
	s.mu.Unlock()
	return nil
}

// Start launches the periodic sweeper. It returns immediately; the sweeper
// runs until Stop is called or ctx is cancelled.
func (s *LaunchContextStore) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(launchSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Stop cancels the sweeper and waits for it to exit.
func (s *LaunchContextStore) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
}

// Sweep evicts every entry older than the TTL, independent of whether it was
// ever read.
func (s *LaunchContextStore) Sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for token, lc := range s.contexts {
		if now.Sub(lc.CreatedAt) > s.ttl {
			delete(s.contexts, token)
		}
	}
}

// Len reports the number of live entries, expired or not. Used by tests and
// the health endpoint.
func (s *LaunchContextStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}
