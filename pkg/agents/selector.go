package agents

import (
	"strings"

	"github.com/lotse-ki/lotse/pkg/config"
	"github.com/lotse-ki/lotse/pkg/model"
)

// Selector picks the ordered subset of registered agents for one run.
// Same inputs yield the same ordered selection.
type Selector struct {
	registry *Registry
	cfg      config.AgentsConfig
}

func NewSelector(registry *Registry, cfg config.AgentsConfig) *Selector {
	return &Selector{registry: registry, cfg: cfg}
}

// Select builds the selection: domain matches and always-on agents first,
// then keyword-triggered specialists, then the caller's preferred agents,
// deduplicated preserving the first occurrence and capped at MaxAgents.
// Only registered agents are returned.
func (s *Selector) Select(query model.Query, intent model.Intent, sources []model.Source) []string {
	var picked []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		if _, registered := s.registry.Get(id); !registered {
			return
		}
		seen[id] = struct{}{}
		picked = append(picked, id)
	}

	for _, id := range s.cfg.AlwaysOn {
		add(id)
	}

	for _, desc := range s.registry.Descriptors() {
		if desc.Domain == intent.Domain && intent.Domain != model.DomainGeneral {
			add(desc.AgentID)
		}
	}

	lower := strings.ToLower(query.Text)
	for _, desc := range s.registry.Descriptors() {
		for _, kw := range s.cfg.Triggers[desc.AgentID] {
			if strings.Contains(lower, strings.ToLower(kw)) {
				add(desc.AgentID)
				break
			}
		}
	}

	for _, id := range query.Options.PreferredAgents {
		add(id)
	}

	if len(picked) > s.cfg.MaxAgents {
		picked = picked[:s.cfg.MaxAgents]
	}
	return picked
}
