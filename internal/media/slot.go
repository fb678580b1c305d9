package media

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Slot owns at most one media handle for one UI element. Rebinding to a
// new media ID cancels interest in any in-flight fetch: a result that
// arrives for a superseded bind is released on the spot instead of
// leaking. Unbind on unmount releases everything.
type Slot struct {
	cache *Cache
	log   *zap.Logger

	mu      sync.Mutex
	gen     uint64
	current *Handle
	cancel  context.CancelFunc
}

// NewSlot creates a slot backed by the cache.
func NewSlot(cache *Cache) *Slot {
	return &Slot{cache: cache, log: cache.log}
}

// Bind points the slot at a media ID and fetches it in the background.
// onReady runs with the handle once the fetch lands, unless a later
// Bind or Unbind superseded this one first. The slot keeps ownership of
// the handle; callers must not release it.
func (s *Slot) Bind(mediaID string, onReady func(*Handle)) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.dropLocked()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		h, err := s.cache.Fetch(ctx, mediaID)
		if err != nil {
			s.log.Debug("media fetch ended", zap.String("media_id", mediaID), zap.Error(err))
			return
		}
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			// Superseded while in flight. Discard immediately.
			if err := h.Release(); err != nil {
				s.log.Warn("stale media release failed", zap.Error(err))
			}
			return
		}
		s.current = h
		s.mu.Unlock()
		if onReady != nil {
			onReady(h)
		}
	}()
}

// Unbind releases the bound handle and cancels any in-flight fetch.
func (s *Slot) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.dropLocked()
}

// Current returns the bound handle, nil if none has landed.
func (s *Slot) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Slot) dropLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.current != nil {
		if err := s.current.Release(); err != nil {
			s.log.Warn("media release failed", zap.Error(err))
		}
		s.current = nil
	}
}
