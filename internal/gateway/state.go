package gateway

import (
	"time"

	"github.com/podweave/podweave/internal/quota"
	"github.com/podweave/podweave/internal/resilience"
)

// controlState is the persisted control-plane document: per-key quota usage,
// per-key breaker state, and the rotation cursor. One file keeps the three
// pieces consistent with each other on disk.
type controlState struct {
	Keys         map[string]quota.KeyUsage          `json:"keys"`
	Breakers     map[string]resilience.BreakerState `json:"breakers"`
	NextKeyIndex int                                `json:"next_key_index"`
	SavedAt      time.Time                          `json:"saved_at"`
}

// restoreState loads persisted control state, if configured and present.
// Corrupt state is logged and ignored: quota counters restart conservative
// (empty means fresh budgets) and breakers restart closed.
func (g *Gateway) restoreState() {
	if g.state == nil {
		return
	}
	doc, ok, err := g.state.Load()
	if err != nil {
		g.log.Warn("control state unreadable, starting fresh", "path", g.state.Path(), "error", err)
		return
	}
	if !ok {
		return
	}
	g.tracker.Restore(doc.Keys)
	g.breakers.Restore(doc.Breakers)
	g.keys.RestoreNextIndex(doc.NextKeyIndex)
	g.log.Debug("control state restored",
		"keys", len(doc.Keys), "breakers", len(doc.Breakers), "saved_at", doc.SavedAt)
}

// saveState persists the control plane after a mutation. Persistence is
// best-effort: a write failure is logged, never surfaced, because losing a
// snapshot only costs accuracy after a crash.
func (g *Gateway) saveState() {
	if g.state == nil {
		return
	}
	doc := controlState{
		Keys:         g.tracker.Export(),
		Breakers:     g.breakers.Export(),
		NextKeyIndex: g.keys.NextIndex(),
		SavedAt:      g.now(),
	}
	if err := g.state.Save(doc); err != nil {
		g.log.Warn("control state save failed", "path", g.state.Path(), "error", err)
	}
}
