// Package worker owns the bounded pool of sandboxed per-conversation agent
// processes. Each worker serves one conversation folder and processes its
// turns strictly in order, one in flight; the pool bounds cross-folder
// parallelism and evicts the least-recently-used idle worker at capacity.
package worker

import (
	"time"

	"sync"

	"github.com/talaria-sh/talaria/internal/addrbook"
	"github.com/talaria-sh/talaria/internal/bus"
)

// Turn is one unit of work for a conversation folder: an inbound text or a
// scheduled prompt, answered by zero or more outbound texts.
type Turn struct {
	Prompt     string
	ChatID     string        // reply target; empty for detached runs
	Purpose    string        // session purpose ("chat", "voice")
	SessionKey string        // overrides the session slot (isolated tasks use "task:<id>")
	Timeout    time.Duration // 0 → pool default
}

// sessionSlot is the key under which this turn's session id is stored.
func (t *Turn) sessionSlot() string {
	if t.SessionKey != "" {
		return t.SessionKey
	}
	return t.Purpose
}

// SessionStore persists worker-assigned session ids per (folder, slot).
// Satisfied by the address book store.
type SessionStore interface {
	Session(folder, purpose string) (string, bool)
	SetSession(folder, purpose, sessionID string) error
	ClearSession(folder, purpose string) error
}

// ConversationSource resolves a folder to its representative conversation,
// for capability flags and chat-id env.
type ConversationSource interface {
	Representative(folder string) (addrbook.Conversation, bool)
}

// Config holds the pool's tunables.
type Config struct {
	Command        []string // worker binary and fixed args
	MaxWorkers     int      // live process cap, default 5
	IdleTimeout    time.Duration
	TurnTimeout    time.Duration
	MinTurnTimeout time.Duration // floor to survive cold starts
	WorkRoot       string        // per-folder working directories
	IPCRoot        string        // tool IPC tree, mounted into workers
	MainFolder     string
	ExtraEnv       []string // whitelisted env passed through to workers
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 5
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 5 * time.Minute
	}
	if c.MinTurnTimeout <= 0 {
		c.MinTurnTimeout = 2 * time.Minute
	}
	if c.MainFolder == "" {
		c.MainFolder = "main"
	}
}

// procStatus is the pool's view of one worker, owned by Pool.mu so the
// eviction scan never has to take a worker's own lock.
type procStatus struct {
	alive     bool
	idle      bool
	idleSince time.Time
}

// Pool is the bounded worker pool.
type Pool struct {
	cfg      Config
	sessions SessionStore
	book     ConversationSource
	send     func(bus.Outgoing)

	mu      sync.Mutex
	workers map[string]*proc
	status  map[string]procStatus
	closed  bool
}

// NewPool creates the pool. send dispatches worker result text toward the
// owning channel (normally bus.PublishOutbound).
func NewPool(cfg Config, sessions SessionStore, book ConversationSource, send func(bus.Outgoing)) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:      cfg,
		sessions: sessions,
		book:     book,
		send:     send,
		workers:  make(map[string]*proc),
		status:   make(map[string]procStatus),
	}
}

// Enqueue appends a turn to the folder's FIFO. The worker is spawned (or
// re-used) lazily; at most one turn per folder is ever in flight.
func (p *Pool) Enqueue(folder string, t Turn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	w := p.workers[folder]
	if w == nil {
		w = newProc(p, folder)
		p.workers[folder] = w
	}
	p.mu.Unlock()
	w.enqueue(t)
}

// Shutdown terminates every live worker. Queued turns are dropped; the
// scheduler re-fires its own on next start and chat turns are lost by
// design (no message-body persistence).
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	ws := make([]*proc, 0, len(p.workers))
	for _, w := range p.workers {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	for _, w := range ws {
		w.stop()
	}
}

func busOutgoing(chatID, text string) bus.Outgoing {
	return bus.Outgoing{ChatID: chatID, Text: text}
}

// setStatus records a worker's state for the eviction scan. Callers may
// hold their own proc lock; the ordering is always proc.mu → Pool.mu.
func (p *Pool) setStatus(folder string, alive, idle bool) {
	p.mu.Lock()
	st := p.status[folder]
	if idle && !st.idle {
		st.idleSince = time.Now()
	}
	st.alive, st.idle = alive, idle
	p.status[folder] = st
	p.mu.Unlock()
}

// reserveSlot makes room for one more live worker. At capacity it evicts
// the least-recently-used idle worker. Returns false when every live
// worker is busy; the caller's turns stay queued until capacity frees.
func (p *Pool) reserveSlot(self string) bool {
	for attempt := 0; attempt < 4; attempt++ {
		p.mu.Lock()
		live := 0
		victimFolder := ""
		var victimSince time.Time
		for folder, st := range p.status {
			if !st.alive {
				continue
			}
			live++
			if folder == self || !st.idle {
				continue
			}
			if victimFolder == "" || st.idleSince.Before(victimSince) {
				victimFolder = folder
				victimSince = st.idleSince
			}
		}
		if live < p.cfg.MaxWorkers {
			// Pre-mark alive so concurrent reservations see the slot taken.
			st := p.status[self]
			st.alive = true
			st.idle = false
			p.status[self] = st
			p.mu.Unlock()
			return true
		}
		victim := p.workers[victimFolder]
		p.mu.Unlock()

		if victim == nil {
			return false
		}
		// Eviction may race with a turn arriving on the victim; retry.
		victim.evictIfIdle()
	}
	return false
}

// wakePending gives workers with queued turns but no live process another
// chance to reserve a slot. Called whenever capacity may have freed.
func (p *Pool) wakePending() {
	p.mu.Lock()
	ws := make([]*proc, 0, len(p.workers))
	for _, w := range p.workers {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	for _, w := range ws {
		w.kick()
	}
}
