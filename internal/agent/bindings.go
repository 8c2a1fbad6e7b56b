package agent

import (
	"context"
	"log"
	"strings"
	"sync"

	"execbridge/internal/terminal"
)

// commentTag is the prefix the agent stamps into every order comment so
// positions can be re-bound to their signal after a restart.
const commentTag = "sig:"

// Binding ties a signal id to the terminal position opened for it.
type Binding struct {
	SignalID    string
	ExecutionID string
	Ticket      int64
	Symbol      string
	Direction   string
	Lots        float64
	OpenPrice   float64
	Active      bool
}

// Bindings is the agent's set of signal-to-position bindings. One active
// binding per signal id at most; closing flips the active flag rather
// than deleting, preserving history for duplicate detection within the
// session.
type Bindings struct {
	mu   sync.Mutex
	byID map[string]*Binding
}

func NewBindings() *Bindings {
	return &Bindings{byID: make(map[string]*Binding)}
}

// HasActive reports whether signalID already has a live position.
func (b *Bindings) HasActive(signalID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.byID[signalID]
	return ok && bd.Active
}

// Bind records a newly opened position for a signal.
func (b *Bindings) Bind(bd Binding) {
	bd.Active = true
	b.mu.Lock()
	b.byID[bd.SignalID] = &bd
	b.mu.Unlock()
}

// Get returns the binding for a signal id, active or not.
func (b *Bindings) Get(signalID string) (Binding, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.byID[signalID]
	if !ok {
		return Binding{}, false
	}
	return *bd, true
}

// Deactivate flips the active flag after the position is closed.
func (b *Bindings) Deactivate(signalID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bd, ok := b.byID[signalID]; ok {
		bd.Active = false
	}
}

// DeactivateAll flips every binding, used after close_all.
func (b *Bindings) DeactivateAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.byID {
		bd.Active = false
	}
}

// ActiveCount returns the number of live bindings.
func (b *Bindings) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bd := range b.byID {
		if bd.Active {
			n++
		}
	}
	return n
}

// Active returns a copy of every live binding.
func (b *Bindings) Active() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Binding, 0, len(b.byID))
	for _, bd := range b.byID {
		if bd.Active {
			out = append(out, *bd)
		}
	}
	return out
}

// Reconcile rebuilds bindings from the terminal's open positions after a
// restart. Positions carrying the signal tag in their comment are
// re-bound; anything else is logged and left unmanaged.
func (b *Bindings) Reconcile(ctx context.Context, term terminal.Terminal) error {
	positions, err := term.OpenPositions(ctx)
	if err != nil {
		return err
	}

	rebound := 0
	for _, pos := range positions {
		signalID := signalFromComment(pos.Comment)
		if signalID == "" {
			log.Printf("agent: position ticket=%d has no signal tag, leaving unmanaged", pos.Ticket)
			continue
		}
		b.Bind(Binding{
			SignalID:  signalID,
			Ticket:    pos.Ticket,
			Symbol:    pos.Symbol,
			Direction: pos.Direction,
			Lots:      pos.Lots,
			OpenPrice: pos.OpenPrice,
		})
		rebound++
	}
	if rebound > 0 {
		log.Printf("agent: reconciled %d position(s) from terminal state", rebound)
	}
	return nil
}

// signalComment builds the comment stamped on orders.
func signalComment(signalID string) string {
	return commentTag + signalID
}

// signalFromComment extracts the signal id from an order comment, or ""
// when the comment carries no tag.
func signalFromComment(comment string) string {
	idx := strings.Index(comment, commentTag)
	if idx < 0 {
		return ""
	}
	rest := comment[idx+len(commentTag):]
	if end := strings.IndexAny(rest, " ;"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
