package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
)

// FakeBrowser is an in-memory core.SessionProvider serving canned pages by URL.
type FakeBrowser struct {
	mu       sync.Mutex
	pages    map[string]json.RawMessage
	errs     map[string][]error
	active   map[string]bool
	acquired atomic.Int32
	released atomic.Int32
	shared   atomic.Int32
}

// NewFakeBrowser returns an empty FakeBrowser.
func NewFakeBrowser() *FakeBrowser {
	return &FakeBrowser{
		pages:  make(map[string]json.RawMessage),
		errs:   make(map[string][]error),
		active: make(map[string]bool),
	}
}

// WithPage serves data for url.
func (b *FakeBrowser) WithPage(url string, data string) *FakeBrowser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[url] = json.RawMessage(data)
	return b
}

// FailNavigate queues navigation outcomes for url. The last entry repeats, so end
// with nil to let later navigations succeed.
func (b *FakeBrowser) FailNavigate(url string, errs ...error) *FakeBrowser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[url] = append(b.errs[url], errs...)
	return b
}

// Acquire implements core.SessionProvider.
func (b *FakeBrowser) Acquire(context.Context) (core.Session, error) {
	b.acquired.Add(1)
	id := uuid.NewString()
	b.mu.Lock()
	b.active[id] = true
	b.mu.Unlock()
	return &fakeSession{id: id, browser: b}, nil
}

// Release implements core.SessionProvider.
func (b *FakeBrowser) Release(_ context.Context, s core.Session) error {
	b.released.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active[s.ID()] {
		return fmt.Errorf("session %s released twice", s.ID())
	}
	delete(b.active, s.ID())
	return nil
}

// Acquired returns how many sessions were handed out.
func (b *FakeBrowser) Acquired() int { return int(b.acquired.Load()) }

// Released returns how many sessions were given back.
func (b *FakeBrowser) Released() int { return int(b.released.Load()) }

// Shared returns how many times a session was used by two operations at once.
func (b *FakeBrowser) Shared() int { return int(b.shared.Load()) }

func (b *FakeBrowser) navigate(url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if queue := b.errs[url]; len(queue) > 0 {
		err := queue[0]
		if len(queue) > 1 {
			b.errs[url] = queue[1:]
		}
		return err
	}
	if _, ok := b.pages[url]; !ok {
		return fmt.Errorf("no page for %s", url)
	}
	return nil
}

func (b *FakeBrowser) page(url string) json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages[url]
}

type fakeSession struct {
	id      string
	browser *FakeBrowser
	busy    atomic.Bool
	url     string
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	if !s.busy.CompareAndSwap(false, true) {
		s.browser.shared.Add(1)
	}
	defer s.busy.Store(false)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.browser.navigate(url); err != nil {
		return err
	}
	s.url = url
	return nil
}

func (s *fakeSession) Evaluate(ctx context.Context, _ string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.browser.page(s.url), nil
}
