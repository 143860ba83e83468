package core

import (
	"context"
	"log"
	"sort"
)

// MaxPlannerAgents is the hard cap on agents handed to the planning stage.
const MaxPlannerAgents = 10

// DefaultAgents is the canonical fallback set used when a user has no enabled
// planner preferences. Order matters: it is the order the planner sees.
var DefaultAgents = []AgentDescriptor{
	{
		Name:     "Data Preprocessing",
		Category: "preprocessing",
		Prompt: "You are a data preprocessing specialist. Inspect the dataset, handle missing values, " +
			"fix data types, and produce a clean working frame for downstream analysis. Report every " +
			"transformation you apply.",
	},
	{
		Name:     "Statistical Analytics",
		Category: "statistics",
		Prompt: "You are a statistical analyst. Compute descriptive statistics, distributions, " +
			"correlations and significance tests relevant to the goal. State assumptions and flag " +
			"results that do not reach significance.",
	},
	{
		Name:     "Machine Learning",
		Category: "machine_learning",
		Prompt: "You are a machine learning specialist. Build and evaluate predictive models suited to " +
			"the goal, report the metrics honestly, and explain which features drive the predictions.",
	},
	{
		Name:     "Visualization",
		Category: "visualization",
		Prompt: "You are a data visualization specialist. Produce the charts that best communicate the " +
			"findings for this goal. Emit every figure in the shared chart schema.",
	},
}

// Selector resolves the bounded agent set for a run. It never fails and never
// returns an empty list: registry errors and empty preference sets both fall
// back to the canonical defaults.
type Selector struct {
	registry TemplateRegistry
	logger   *log.Logger
}

func NewSelector(registry TemplateRegistry, logger *log.Logger) *Selector {
	return &Selector{registry: registry, logger: logger}
}

// Select returns the planner agents for ownerID, capped at MaxPlannerAgents
// ordered by (usage_count desc, template_id asc).
func (s *Selector) Select(ctx context.Context, ownerID string) []AgentDescriptor {
	if s.registry == nil {
		return defaultAgentSet()
	}
	descriptors, err := s.registry.EnabledPlannerTemplates(ctx, ownerID)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("agent selection for %s fell back to defaults: %v", ownerID, err)
		}
		return defaultAgentSet()
	}
	if len(descriptors) == 0 {
		return defaultAgentSet()
	}
	sort.SliceStable(descriptors, func(i, j int) bool {
		if descriptors[i].UsageCount != descriptors[j].UsageCount {
			return descriptors[i].UsageCount > descriptors[j].UsageCount
		}
		return descriptors[i].TemplateID < descriptors[j].TemplateID
	})
	if len(descriptors) > MaxPlannerAgents {
		descriptors = descriptors[:MaxPlannerAgents]
	}
	return descriptors
}

func defaultAgentSet() []AgentDescriptor {
	out := make([]AgentDescriptor, len(DefaultAgents))
	copy(out, DefaultAgents)
	return out
}
