package core

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/web3guy0/fusionbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYMBOLS - Instrument universe and the latest scan result per instrument
// ═══════════════════════════════════════════════════════════════════════════════

// Instrument is one tradable symbol
type Instrument struct {
	Symbol   string
	Active   bool
	Selected bool
	Score    float64
	Degraded bool
	ScoredAt time.Time
}

// SymbolManager tracks the scan universe
type SymbolManager struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
}

// NewSymbolManager creates a universe from a symbol list
func NewSymbolManager(symbols []string) *SymbolManager {
	sm := &SymbolManager{
		instruments: make(map[string]*Instrument),
	}
	for _, s := range symbols {
		sm.Add(s)
	}
	return sm
}

// Add adds a symbol as active. Symbols are upper-cased.
func (sm *SymbolManager) Add(symbol string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if inst, ok := sm.instruments[symbol]; ok {
		inst.Active = true
		return
	}
	sm.instruments[symbol] = &Instrument{Symbol: symbol, Active: true}
}

// Deactivate removes a symbol from scanning without forgetting it
func (sm *SymbolManager) Deactivate(symbol string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if inst, ok := sm.instruments[symbol]; ok {
		inst.Active = false
		inst.Selected = false
	}
}

// Get returns a copy of the instrument
func (sm *SymbolManager) Get(symbol string) (Instrument, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	inst, ok := sm.instruments[symbol]
	if !ok {
		return Instrument{}, false
	}
	return *inst, true
}

// Symbols returns the active symbols, sorted
func (sm *SymbolManager) Symbols() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var out []string
	for s, inst := range sm.instruments {
		if inst.Active {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// ApplyScores records a scan batch. The batch supersedes every previous one.
func (sm *SymbolManager) ApplyScores(batch types.ScoreBatch) {
	selected := make(map[string]bool, len(batch.Selected))
	for _, s := range batch.Selected {
		selected[s] = true
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, inst := range sm.instruments {
		inst.Selected = false
	}
	for _, sc := range batch.Scores {
		inst, ok := sm.instruments[sc.Instrument]
		if !ok {
			continue
		}
		inst.Score = sc.Score
		inst.Degraded = sc.Degraded
		inst.ScoredAt = sc.ComputedAt
		inst.Selected = selected[sc.Instrument]
	}
}

// Selected returns the current working set, sorted
func (sm *SymbolManager) Selected() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var out []string
	for s, inst := range sm.instruments {
		if inst.Selected {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of known symbols
func (sm *SymbolManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.instruments)
}
