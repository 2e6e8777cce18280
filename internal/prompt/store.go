package prompt

import "sync"

// Store holds live prompt state in memory. Prompts are never removed,
// only marked terminal; the durable pollable row lives in the archive.
// Abstracted so a distributed backend could be substituted without
// touching the delivery logic.
type Store interface {
	Put(p *Prompt)
	Get(id string) (*Prompt, bool)
	List() []*Prompt
}

// MemoryStore is the default concurrent in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	prompts map[string]*Prompt
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prompts: make(map[string]*Prompt)}
}

// Put inserts or replaces a prompt.
func (s *MemoryStore) Put(p *Prompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[p.ID] = p
}

// Get returns a prompt by id.
func (s *MemoryStore) Get(id string) (*Prompt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[id]
	return p, ok
}

// List returns all prompts.
func (s *MemoryStore) List() []*Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p)
	}
	return out
}
