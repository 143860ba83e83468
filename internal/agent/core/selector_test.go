package core

import (
	"context"
	"fmt"
	"testing"
)

func TestSelectDefaultsWithoutRegistry(t *testing.T) {
	s := NewSelector(nil, nil)
	got := s.Select(context.Background(), "user-1")
	if len(got) != len(DefaultAgents) {
		t.Fatalf("expected %d default agents, got %d", len(DefaultAgents), len(got))
	}
	for i, a := range got {
		if a.Name != DefaultAgents[i].Name {
			t.Fatalf("default order broken at %d: %q", i, a.Name)
		}
	}
	// the returned slice must be a copy
	got[0].Name = "mutated"
	if DefaultAgents[0].Name == "mutated" {
		t.Fatalf("Select leaked the shared default slice")
	}
}

func TestSelectDefaultsOnRegistryError(t *testing.T) {
	reg := &fakeRegistry{err: fmt.Errorf("connection refused")}
	got := NewSelector(reg, nil).Select(context.Background(), "user-1")
	if len(got) != len(DefaultAgents) {
		t.Fatalf("registry error must fall back to defaults, got %d agents", len(got))
	}
}

func TestSelectDefaultsOnEmptyPreferences(t *testing.T) {
	reg := &fakeRegistry{}
	got := NewSelector(reg, nil).Select(context.Background(), "user-1")
	if len(got) != len(DefaultAgents) {
		t.Fatalf("empty preferences must fall back to defaults, got %d agents", len(got))
	}
}

func TestSelectOrderingAndCap(t *testing.T) {
	var templates []AgentDescriptor
	for i := 0; i < 12; i++ {
		templates = append(templates, AgentDescriptor{
			TemplateID: fmt.Sprintf("tpl-%02d", i),
			Name:       fmt.Sprintf("Agent %02d", i),
			UsageCount: int64(i % 4),
		})
	}
	reg := &fakeRegistry{templates: templates}

	got := NewSelector(reg, nil).Select(context.Background(), "user-1")
	if len(got) != MaxPlannerAgents {
		t.Fatalf("expected cap at %d agents, got %d", MaxPlannerAgents, len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.UsageCount > prev.UsageCount {
			t.Fatalf("usage ordering broken at %d: %d after %d", i, cur.UsageCount, prev.UsageCount)
		}
		if cur.UsageCount == prev.UsageCount && cur.TemplateID < prev.TemplateID {
			t.Fatalf("template_id tiebreak broken at %d: %q after %q", i, cur.TemplateID, prev.TemplateID)
		}
	}
	// highest usage first
	if got[0].UsageCount != 3 {
		t.Fatalf("expected most-used template first, got usage %d", got[0].UsageCount)
	}
}
