package category

import (
	"testing"

	"github.com/taskauction/exchange/internal/types"
)

func TestFindCategoriesOrdersBySpecificity(t *testing.T) {
	idx := New()
	idx.DeclareCategory(Pattern{CategoryID: "general-code", Keywords: []string{"code"}, Specificity: 1})
	idx.DeclareCategory(Pattern{CategoryID: "go-code", Keywords: []string{"golang"}, Specificity: 5})

	task := &types.Task{Content: "write some golang code please"}
	got := idx.FindCategories(task)
	want := []string{"go-code", "general-code"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFindCategoriesTieBreaksByID(t *testing.T) {
	idx := New()
	idx.DeclareCategory(Pattern{CategoryID: "zeta", Keywords: []string{"task"}, Specificity: 1})
	idx.DeclareCategory(Pattern{CategoryID: "alpha", Keywords: []string{"task"}, Specificity: 1})

	task := &types.Task{Content: "a generic task"}
	got := idx.FindCategories(task)
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Fatalf("expected [alpha zeta], got %v", got)
	}
}

func TestMetadataMatch(t *testing.T) {
	idx := New()
	idx.DeclareCategory(Pattern{CategoryID: "rush", Metadata: map[string]string{"urgency": "high"}, Specificity: 2})

	task := &types.Task{Content: "no keyword hit here", Metadata: map[string]any{"urgency": "high"}}
	got := idx.FindCategories(task)
	if len(got) != 1 || got[0] != "rush" {
		t.Fatalf("expected [rush], got %v", got)
	}
}

func TestGetAgentsForTaskUnionAndMarketMaker(t *testing.T) {
	idx := New()
	idx.DeclareCategory(Pattern{CategoryID: "go-code", Keywords: []string{"golang"}, Specificity: 2})
	idx.DeclareCategory(Pattern{CategoryID: "review", Keywords: []string{"review"}, Specificity: 2})
	idx.Subscribe("agent-a", "go-code")
	idx.Subscribe("agent-b", "review")
	idx.Subscribe("agent-a", "review")
	idx.SetMarketMaker("agent-mm")

	task := &types.Task{Content: "please review this golang diff"}
	got := idx.GetAgentsForTask(task)
	want := []string{"agent-a", "agent-b", "agent-mm"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestUnsubscribeAndRemoveAgent(t *testing.T) {
	idx := New()
	idx.DeclareCategory(Pattern{CategoryID: "go-code", Keywords: []string{"golang"}, Specificity: 1})
	idx.Subscribe("agent-a", "go-code")
	idx.Unsubscribe("agent-a", "go-code")

	task := &types.Task{Content: "golang task"}
	if got := idx.GetAgentsForTask(task); len(got) != 0 {
		t.Fatalf("expected no agents after unsubscribe, got %v", got)
	}

	idx.Subscribe("agent-b", "go-code")
	idx.RemoveAgent("agent-b")
	if got := idx.GetAgentsForTask(task); len(got) != 0 {
		t.Fatalf("expected no agents after RemoveAgent, got %v", got)
	}
}

func TestNoCandidatesWithoutMarketMaker(t *testing.T) {
	idx := New()
	task := &types.Task{Content: "unmatched content"}
	if got := idx.GetAgentsForTask(task); len(got) != 0 {
		t.Fatalf("expected empty set, got %v", got)
	}
}
