// Package category implements the routing table from declared agent
// capability categories to candidate agent ids (§4.3).
package category

import (
	"sort"
	"strings"
	"sync"

	"github.com/taskauction/exchange/internal/types"
)

// Pattern declares when a category matches a task: any keyword appearing
// in the task content (case-insensitive substring), or an exact metadata
// key/value match. Specificity breaks ties in FindCategories ordering —
// higher is more specific.
type Pattern struct {
	CategoryID  string
	Keywords    []string
	Metadata    map[string]string
	Specificity int
}

func (p Pattern) matches(task *types.Task) bool {
	content := strings.ToLower(task.Content)
	for _, kw := range p.Keywords {
		if kw != "" && strings.Contains(content, strings.ToLower(kw)) {
			return true
		}
	}
	if len(p.Metadata) > 0 && task.Metadata != nil {
		for k, v := range p.Metadata {
			if mv, ok := task.Metadata[k]; ok {
				if s, ok := mv.(string); ok && s == v {
					return true
				}
			}
		}
	}
	return false
}

// Index maps categories to subscribed agents and resolves candidate
// bidder sets for a task.
type Index struct {
	mu            sync.RWMutex
	patterns      map[string]Pattern          // categoryID -> pattern
	subscribers   map[string]map[string]bool  // categoryID -> agentID set
	agentSubs     map[string]map[string]bool  // agentID -> categoryID set, for unregister
	marketMaker   string
}

// New creates an empty category index.
func New() *Index {
	return &Index{
		patterns:    make(map[string]Pattern),
		subscribers: make(map[string]map[string]bool),
		agentSubs:   make(map[string]map[string]bool),
	}
}

// SetMarketMaker configures the fallback bidder guaranteeing non-empty
// candidate sets (§4.3). Pass "" to disable.
func (idx *Index) SetMarketMaker(agentID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.marketMaker = agentID
}

// DeclareCategory registers or updates a category's match pattern.
func (idx *Index) DeclareCategory(p Pattern) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.patterns[p.CategoryID] = p
	if _, ok := idx.subscribers[p.CategoryID]; !ok {
		idx.subscribers[p.CategoryID] = make(map[string]bool)
	}
}

// Subscribe registers agentID as a candidate bidder for categoryID. The
// index is updated incrementally — no recomputation of existing task
// matches is needed.
func (idx *Index) Subscribe(agentID, categoryID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.subscribers[categoryID]; !ok {
		idx.subscribers[categoryID] = make(map[string]bool)
	}
	idx.subscribers[categoryID][agentID] = true

	if _, ok := idx.agentSubs[agentID]; !ok {
		idx.agentSubs[agentID] = make(map[string]bool)
	}
	idx.agentSubs[agentID][categoryID] = true
}

// Unsubscribe removes agentID from categoryID's subscriber set.
func (idx *Index) Unsubscribe(agentID, categoryID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if subs, ok := idx.subscribers[categoryID]; ok {
		delete(subs, agentID)
	}
	if cats, ok := idx.agentSubs[agentID]; ok {
		delete(cats, categoryID)
	}
}

// RemoveAgent unsubscribes agentID from every category it had joined, for
// use on disconnect.
func (idx *Index) RemoveAgent(agentID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for catID := range idx.agentSubs[agentID] {
		if subs, ok := idx.subscribers[catID]; ok {
			delete(subs, agentID)
		}
	}
	delete(idx.agentSubs, agentID)
}

// FindCategories matches task against every declared pattern, returning
// matched category ids ordered by descending specificity (then by id for a
// deterministic tie-break within one process run).
func (idx *Index) FindCategories(task *types.Task) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	type scored struct {
		id    string
		spec  int
	}
	var matched []scored
	for id, p := range idx.patterns {
		if p.matches(task) {
			matched = append(matched, scored{id: id, spec: p.Specificity})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].spec != matched[j].spec {
			return matched[i].spec > matched[j].spec
		}
		return matched[i].id < matched[j].id
	})

	out := make([]string, len(matched))
	for i, m := range matched {
		out[i] = m.id
	}
	return out
}

// GetAgentsForTask returns the union of agents subscribed to any category
// matched by task, plus the market-maker agent if configured. Agents are
// returned sorted for deterministic ordering within a process run.
func (idx *Index) GetAgentsForTask(task *types.Task) []string {
	cats := idx.FindCategories(task)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	set := make(map[string]bool)
	for _, catID := range cats {
		for agentID := range idx.subscribers[catID] {
			set[agentID] = true
		}
	}
	if idx.marketMaker != "" {
		set[idx.marketMaker] = true
	}

	out := make([]string, 0, len(set))
	for agentID := range set {
		out = append(out, agentID)
	}
	sort.Strings(out)
	return out
}
