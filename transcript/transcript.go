// Package transcript reconciles streamed text deltas into a stable
// conversation record. Each speaker has at most one pending entry at a
// time; deltas append to it, and turn boundaries or interruptions
// finalize it. Whatever text arrived before an interruption is kept.
package transcript

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleCaller Role = "caller"
	RoleModel  Role = "model"
	RoleTool   Role = "tool"
)

// Entry is one finalized or in-flight line of the conversation.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Pending   bool      `json:"pending"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists finalized entries. Implementations must tolerate
// being called from the conversation loop and return quickly.
type Store interface {
	SaveEntry(ctx context.Context, sessionID string, entry Entry) error
}

// Reconciler accumulates deltas per role and hands finalized entries to
// the store. All methods are safe for concurrent use.
type Reconciler struct {
	sessionID string
	store     Store

	mu      sync.Mutex
	pending map[Role]*Entry
	history []Entry
}

// NewReconciler creates a reconciler for one conversation. store may be
// nil when persistence is disabled.
func NewReconciler(sessionID string, store Store) *Reconciler {
	return &Reconciler{
		sessionID: sessionID,
		store:     store,
		pending:   make(map[Role]*Entry),
	}
}

// ApplyDelta appends delta text to the role's pending entry, creating
// one if none exists. It returns the entry's current state and whether
// this delta opened a new entry.
func (r *Reconciler) ApplyDelta(role Role, text string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.pending[role]; ok {
		entry.Text += text
		return *entry, false
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Pending:   true,
		CreatedAt: time.Now(),
	}
	r.pending[role] = entry
	return *entry, true
}

// AddToolEntry records one completed tool invocation. Tool entries are
// never pending; they finalize immediately.
func (r *Reconciler) AddToolEntry(ctx context.Context, name string, args map[string]any, result string) Entry {
	entry := Entry{
		ID:        uuid.NewString(),
		Role:      RoleTool,
		Text:      formatToolText(name, args, result),
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.history = append(r.history, entry)
	r.mu.Unlock()

	r.save(ctx, entry)
	return entry
}

// Finalize closes the pending entry for a role, persisting it when it
// holds any text. Returns the finalized entry and whether one existed.
func (r *Reconciler) Finalize(ctx context.Context, role Role) (Entry, bool) {
	r.mu.Lock()
	entry, ok := r.pending[role]
	if !ok {
		r.mu.Unlock()
		return Entry{}, false
	}
	delete(r.pending, role)
	entry.Pending = false
	out := *entry
	if out.Text != "" {
		r.history = append(r.history, out)
	}
	r.mu.Unlock()

	if out.Text != "" {
		r.save(ctx, out)
	}
	return out, true
}

// FinalizeAll closes every pending entry. Used on turn boundaries,
// interruptions, and teardown; partial model text survives as-is.
func (r *Reconciler) FinalizeAll(ctx context.Context) []Entry {
	r.mu.Lock()
	roles := make([]Role, 0, len(r.pending))
	for role := range r.pending {
		roles = append(roles, role)
	}
	r.mu.Unlock()

	// Caller text before model text keeps the record in speaking order.
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	var out []Entry
	for _, role := range roles {
		if entry, ok := r.Finalize(ctx, role); ok {
			out = append(out, entry)
		}
	}
	return out
}

// History returns a copy of the finalized entries in order.
func (r *Reconciler) History() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.history))
	copy(out, r.history)
	return out
}

// Pending returns the in-flight entry for a role, if any.
func (r *Reconciler) Pending(role Role) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.pending[role]; ok {
		return *entry, true
	}
	return Entry{}, false
}

func (r *Reconciler) save(ctx context.Context, entry Entry) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveEntry(ctx, r.sessionID, entry); err != nil {
		log.Printf("⚠️ Failed to persist transcript entry %s: %v", entry.ID[:8], err)
	}
}

func formatToolText(name string, args map[string]any, result string) string {
	if len(args) == 0 {
		return fmt.Sprintf("%s(): %s", name, result)
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, args[k])
	}
	return fmt.Sprintf("%s(%s): %s", name, strings.Join(parts, ", "), result)
}
