package collection

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/coachd/internal/catalog"
)

func testFlow() catalog.Flow {
	return catalog.Flow{
		Name: "program_design",
		Fields: []catalog.Field{
			{Name: "goal", Label: "Goal", Required: true},
			{Name: "experience", Label: "Experience", Required: true},
			{Name: "days_per_week", Label: "Days per week", Required: true},
			{Name: "preferences", Label: "Preferences"},
		},
	}
}

func TestTodoListApplyIsMonotonic(t *testing.T) {
	list := NewTodoList(testFlow().Fields)

	ok, err := list.Apply(FieldUpdate{Field: "goal", Value: "lose fat", Confidence: 0.9}, 0.6)
	require.NoError(t, err)
	require.True(t, ok)

	// Empty and low-confidence results never touch a satisfied field.
	ok, err = list.Apply(FieldUpdate{Field: "goal", Value: "   ", Confidence: 1}, 0.6)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = list.Apply(FieldUpdate{Field: "goal", Value: "bulk", Confidence: 0.2}, 0.6)
	require.NoError(t, err)
	assert.False(t, ok)

	item, _ := list.Item("goal")
	assert.Equal(t, FieldSatisfied, item.Status)
	assert.Equal(t, "lose fat", *item.Value)

	// Corrections replace the value only.
	ok, err = list.Apply(FieldUpdate{Field: "goal", Value: "build muscle", Confidence: 0.8}, 0.6)
	require.NoError(t, err)
	assert.True(t, ok)
	item, _ = list.Item("goal")
	assert.Equal(t, FieldSatisfied, item.Status)
	assert.Equal(t, "build muscle", *item.Value)
}

func TestTodoListApplyUnknownField(t *testing.T) {
	list := NewTodoList(testFlow().Fields)
	_, err := list.Apply(FieldUpdate{Field: "favourite_colour", Value: "red", Confidence: 1}, 0.6)
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("Apply() error = %v, want ErrUnknownField", err)
	}
}

func TestTodoListClear(t *testing.T) {
	list := NewTodoList(testFlow().Fields)
	_, _ = list.Apply(FieldUpdate{Field: "experience", Value: "beginner", Note: "2 months", Confidence: 1}, 0.6)

	if err := list.Clear("experience"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	item, _ := list.Item("experience")
	if item.Status != FieldUnsatisfied || item.Value != nil || item.Note != "" {
		t.Fatalf("Clear() left item = %+v", item)
	}
	if err := list.Clear("nope"); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("Clear(nope) error = %v", err)
	}
}

func TestProgressNeverDecreasesUnderExtraction(t *testing.T) {
	list := NewTodoList(testFlow().Fields)
	updates := []FieldUpdate{
		{Field: "goal", Value: "run a 10k", Confidence: 0.9},
		{Field: "goal", Value: "", Confidence: 0.9},
		{Field: "experience", Value: "intermediate", Confidence: 0.3},
		{Field: "experience", Value: "intermediate", Confidence: 0.7},
		{Field: "goal", Value: "half marathon", Confidence: 0.95},
		{Field: "preferences", Value: "outdoors", Confidence: 0.8},
		{Field: "days_per_week", Value: "4", Confidence: 0.61},
	}

	prevReq, prevAll := 0, 0
	for i, u := range updates {
		if _, err := list.Apply(u, 0.6); err != nil {
			t.Fatalf("Apply(%d) error = %v", i, err)
		}
		req, all := list.Progress(true), list.Progress(false)
		if req.Completed < prevReq || all.Completed < prevAll {
			t.Fatalf("progress decreased at step %d: required %d->%d all %d->%d", i, prevReq, req.Completed, prevAll, all.Completed)
		}
		prevReq, prevAll = req.Completed, all.Completed
	}

	assert.Equal(t, Progress{Completed: 3, Total: 3, Percentage: 100}, list.Progress(true))
	assert.Equal(t, Progress{Completed: 4, Total: 4, Percentage: 100}, list.Progress(false))
	assert.True(t, list.RequiredSatisfied())
}

func TestProgressPercentageAndOpenOrder(t *testing.T) {
	fields := []catalog.Field{
		{Name: "notes"},
		{Name: "a", Required: true},
		{Name: "b", Required: true},
		{Name: "c", Required: true},
	}
	list := NewTodoList(fields)
	_, _ = list.Apply(FieldUpdate{Field: "a", Value: "x", Confidence: 1}, 0.5)

	assert.Equal(t, Progress{Completed: 1, Total: 3, Percentage: 33}, list.Progress(true))
	assert.Equal(t, Progress{Completed: 1, Total: 4, Percentage: 25}, list.Progress(false))

	var names []string
	for _, item := range list.Open() {
		names = append(names, item.Name)
	}
	if diff := cmp.Diff([]string{"b", "c", "notes"}, names); diff != "" {
		t.Fatalf("Open() mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyTodoListProgress(t *testing.T) {
	var list TodoList
	if got := list.Progress(true); got != (Progress{}) {
		t.Fatalf("Progress() = %+v, want zero", got)
	}
	if !list.RequiredSatisfied() {
		t.Fatal("RequiredSatisfied() = false for empty list")
	}
}

func TestSessionLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewSession("u1", "c1", "conv", testFlow(), []string{"img-1"}, now)

	require.Equal(t, StateCollecting, s.State())
	require.Len(t, s.Todo, 4)

	msg := s.AppendMessage(RoleUser, "hi", nil, now)
	require.NotEmpty(t, msg.ID)
	require.Len(t, s.History, 1)

	require.True(t, s.MarkComplete(now))
	require.False(t, s.MarkComplete(now.Add(time.Minute)))
	require.Equal(t, now, *s.CompletedAt)
	require.Equal(t, StateComplete, s.State())

	other := NewSession("u1", "c1", "conv", testFlow(), nil, now)
	other.MarkCancelled(CancelTopicChange, now)
	require.Equal(t, StateCancelled, other.State())
	require.Equal(t, CancelTopicChange, other.CancelReason)
}

func TestSessionCloneIsDeep(t *testing.T) {
	now := time.Now()
	s := NewSession("u1", "c1", "", testFlow(), []string{"a"}, now)
	_, _ = s.Todo.Apply(FieldUpdate{Field: "goal", Value: "strength", Confidence: 1}, 0.5)
	s.AppendMessage(RoleUser, "hello", []string{"x"}, now)
	s.Generation = &GenerationTrigger{Status: GenerationDone}

	c := s.Clone()
	*c.Todo[0].Value = "mutated"
	c.History[0].ImageRefs[0] = "y"
	c.ImageRefs[0] = "b"
	c.Generation.Status = GenerationFailed

	assert.Equal(t, "strength", *s.Todo[0].Value)
	assert.Equal(t, "x", s.History[0].ImageRefs[0])
	assert.Equal(t, "a", s.ImageRefs[0])
	assert.Equal(t, GenerationDone, s.GenerationStatus())
}

func TestSessionIDEmbedsCreationTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := NewSessionID()
	created, ok := CreatedAt(id)
	if !ok {
		t.Fatalf("CreatedAt(%q) ok = false", id)
	}
	if created.Before(before) || created.After(time.Now().Add(time.Second)) {
		t.Fatalf("CreatedAt() = %v, want near now", created)
	}
	if _, ok := CreatedAt("not-a-uuid"); ok {
		t.Fatal("CreatedAt(invalid) ok = true")
	}
}
