package docviewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docviewer/internal/annotation"
	"github.com/MarcoPoloResearchLab/docviewer/internal/canvadocs"
)

type fakeStore struct {
	mu           sync.Mutex
	upserts      []annotation.Annotation
	deletes      []string
	upsertErr    error
	deleteErr    error
	canonicalize func(annotation.Annotation) annotation.Annotation
}

func (s *fakeStore) UpsertAnnotation(_ context.Context, record annotation.Annotation) (annotation.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, record)
	if s.upsertErr != nil {
		return annotation.Annotation{}, s.upsertErr
	}
	if s.canonicalize != nil {
		return s.canonicalize(record), nil
	}
	return record, nil
}

func (s *fakeStore) DeleteAnnotation(_ context.Context, annotationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, annotationID)
	return s.deleteErr
}

func (s *fakeStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

func (s *fakeStore) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deletes)
}

type fakeSurface struct {
	mu       sync.Mutex
	setAll   [][]annotation.Annotation
	upserts  []annotation.Annotation
	removals []string
	undos    []annotation.Annotation
}

func (s *fakeSurface) SetAll(records []annotation.Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setAll = append(s.setAll, records)
}

func (s *fakeSurface) Upsert(record annotation.Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, record)
}

func (s *fakeSurface) Remove(annotationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removals = append(s.removals, annotationID)
}

func (s *fakeSurface) Undo(record annotation.Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undos = append(s.undos, record)
}

func mustEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

// drainEvents reads every event currently buffered on the engine's channel.
func drainEvents(engine *Engine) []Event {
	var events []Event
	for {
		select {
		case event := <-engine.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}

func highlightRecord(id string) annotation.Annotation {
	return annotation.Annotation{
		ID:         id,
		DocumentID: "doc-1",
		UserID:     "user-1",
		Page:       0,
		Kind: annotation.Highlight{
			Color: "#FF0000",
			Rect:  annotation.Rect{MinX: 1, MinY: 2, MaxX: 4, MaxY: 6},
		},
	}
}

func inkRecord(id string, points int) annotation.Annotation {
	gesture := make([]annotation.InkPoint, points)
	for index := range gesture {
		gesture[index] = annotation.InkPoint{X: float64(index), Y: float64(index % 7)}
	}
	return annotation.Annotation{
		ID:         id,
		DocumentID: "doc-1",
		UserID:     "user-1",
		Kind: annotation.Ink{
			Gestures: [][]annotation.InkPoint{gesture},
			Color:    "#000000",
			Rect:     annotation.Rect{MaxX: float64(points), MaxY: 7},
		},
	}
}

func TestNewEngineRequiresStore(t *testing.T) {
	if _, err := NewEngine(EngineConfig{}); err == nil {
		t.Fatal("expected error for missing store")
	}
}

func TestNewEnginePushesInitialListToSurface(t *testing.T) {
	surface := &fakeSurface{}
	deleted := highlightRecord("gone")
	deleted.Deleted = true
	mustEngine(t, EngineConfig{
		Store:   &fakeStore{},
		Surface: surface,
		Initial: []annotation.Annotation{highlightRecord("kept"), deleted},
	})

	if len(surface.setAll) != 1 {
		t.Fatalf("SetAll calls = %d, want 1", len(surface.setAll))
	}
	if len(surface.setAll[0]) != 1 || surface.setAll[0][0].ID != "kept" {
		t.Fatalf("surface list = %+v, want only the undeleted record", surface.setAll[0])
	}
}

func TestLocalCreateAssignsIDAndStoresCanonical(t *testing.T) {
	store := &fakeStore{
		canonicalize: func(record annotation.Annotation) annotation.Annotation {
			now := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
			record.CreatedAt = &now
			return record
		},
	}
	engine := mustEngine(t, EngineConfig{Store: store})

	created := engine.LocalCreate(context.Background(), highlightRecord(""))
	if created.ID == "" {
		t.Fatal("expected an assigned id")
	}
	if store.upsertCount() != 1 {
		t.Fatalf("upsert calls = %d, want 1", store.upsertCount())
	}

	held := engine.All()
	if len(held) != 1 {
		t.Fatalf("held records = %d, want 1", len(held))
	}
	if held[0].CreatedAt == nil {
		t.Fatal("expected the canonical server record to replace the local one")
	}
}

func TestLocalCreateEmptyRecordSkipsStore(t *testing.T) {
	store := &fakeStore{}
	engine := mustEngine(t, EngineConfig{Store: store})

	record := annotation.Annotation{
		ID:   "empty-1",
		Kind: annotation.FreeText{Text: "   ", FontFamily: "Verdana", FontSize: 14},
	}
	engine.LocalCreate(context.Background(), record)

	if store.upsertCount() != 0 {
		t.Fatalf("upsert calls = %d, want 0 for an empty record", store.upsertCount())
	}
	if len(engine.All()) != 1 {
		t.Fatal("empty record should still be held locally")
	}
	if events := drainEvents(engine); len(events) != 0 {
		t.Fatalf("events = %+v, want none", events)
	}
}

func TestFileAnnotationsNeverReachStore(t *testing.T) {
	store := &fakeStore{}
	surface := &fakeSurface{}
	engine := mustEngine(t, EngineConfig{
		Store:             store,
		Surface:           surface,
		Initial:           []annotation.Annotation{highlightRecord("file-1")},
		FileAnnotationIDs: []string{"file-1"},
	})

	engine.LocalUpdate(context.Background(), highlightRecord("file-1"))
	engine.LocalDelete(context.Background(), "file-1")

	if store.upsertCount() != 0 || store.deleteCount() != 0 {
		t.Fatalf("store calls = %d upserts, %d deletes, want none",
			store.upsertCount(), store.deleteCount())
	}
	if len(surface.removals) != 1 || surface.removals[0] != "file-1" {
		t.Fatalf("surface removals = %v, want the local removal to happen", surface.removals)
	}
	if len(engine.All()) != 0 {
		t.Fatal("file annotation should still be removed locally")
	}
}

func TestLocalUpdateRejectsOversizedInk(t *testing.T) {
	store := &fakeStore{}
	surface := &fakeSurface{}
	original := inkRecord("ink-1", 5)
	engine := mustEngine(t, EngineConfig{
		Store:   store,
		Surface: surface,
		Initial: []annotation.Annotation{original},
	})
	drainEvents(engine)

	engine.LocalUpdate(context.Background(), inkRecord("ink-1", maxInkPoints+1))

	if store.upsertCount() != 0 {
		t.Fatalf("upsert calls = %d, want 0 for a rejected edit", store.upsertCount())
	}
	if len(surface.undos) != 1 {
		t.Fatalf("undo calls = %d, want 1", len(surface.undos))
	}
	events := drainEvents(engine)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want exactly one", events)
	}
	if _, ok := events[0].(LimitExceededEvent); !ok {
		t.Fatalf("event = %T, want LimitExceededEvent", events[0])
	}
	held := engine.All()
	if got := held[0].TotalInkPoints(); got != 5 {
		t.Fatalf("held ink points = %d, want the original 5", got)
	}
}

func TestLocalUpdateAtInkCeilingIsAccepted(t *testing.T) {
	store := &fakeStore{}
	engine := mustEngine(t, EngineConfig{
		Store:   store,
		Initial: []annotation.Annotation{inkRecord("ink-1", 5)},
	})

	engine.LocalUpdate(context.Background(), inkRecord("ink-1", maxInkPoints))

	if store.upsertCount() != 1 {
		t.Fatalf("upsert calls = %d, want 1 at exactly the ceiling", store.upsertCount())
	}
}

func TestLocalDeleteRemovesEveryDuplicate(t *testing.T) {
	store := &fakeStore{}
	engine := mustEngine(t, EngineConfig{
		Store: store,
		Initial: []annotation.Annotation{
			highlightRecord("dup"),
			highlightRecord("other"),
			highlightRecord("dup"),
		},
	})

	engine.LocalDelete(context.Background(), "dup")

	held := engine.All()
	if len(held) != 1 || held[0].ID != "other" {
		t.Fatalf("held records = %+v, want only the unrelated one", held)
	}
	if store.deleteCount() != 2 {
		t.Fatalf("delete calls = %d, want one per removed entry", store.deleteCount())
	}
}

func TestLocalDeleteFailureDoesNotReinstate(t *testing.T) {
	store := &fakeStore{deleteErr: errors.New("boom")}
	engine := mustEngine(t, EngineConfig{
		Store:   store,
		Initial: []annotation.Annotation{highlightRecord("a1")},
	})
	drainEvents(engine)

	engine.LocalDelete(context.Background(), "a1")

	if len(engine.All()) != 0 {
		t.Fatal("failed delete must not reinstate the record")
	}
	events := drainEvents(engine)
	var failed *SaveFailedEvent
	for _, event := range events {
		if value, ok := event.(SaveFailedEvent); ok {
			failed = &value
		}
	}
	if failed == nil || failed.AnnotationID != "a1" {
		t.Fatalf("events = %+v, want a SaveFailedEvent for a1", events)
	}
}

func TestUpsertFailureRetainsLocalRecord(t *testing.T) {
	store := &fakeStore{upsertErr: errors.New("boom")}
	engine := mustEngine(t, EngineConfig{Store: store})
	drainEvents(engine)

	created := engine.LocalCreate(context.Background(), highlightRecord("a1"))

	held := engine.All()
	if len(held) != 1 || held[0].ID != created.ID {
		t.Fatalf("held records = %+v, want the failed record retained", held)
	}
	events := drainEvents(engine)
	var sawFailure bool
	for _, event := range events {
		if _, ok := event.(SaveFailedEvent); ok {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("events = %+v, want a SaveFailedEvent", events)
	}
}

func TestUpsertTooBigClassifiedAsLimitEvent(t *testing.T) {
	store := &fakeStore{
		upsertErr: fmt.Errorf("upsert: %w", canvadocs.ErrAnnotationTooBig),
	}
	engine := mustEngine(t, EngineConfig{Store: store})
	drainEvents(engine)

	engine.LocalCreate(context.Background(), highlightRecord("a1"))

	events := drainEvents(engine)
	var sawLimit, sawFailure bool
	for _, event := range events {
		switch event.(type) {
		case LimitExceededEvent:
			sawLimit = true
		case SaveFailedEvent:
			sawFailure = true
		}
	}
	if !sawLimit {
		t.Fatalf("events = %+v, want a LimitExceededEvent", events)
	}
	if sawFailure {
		t.Fatalf("events = %+v, a size rejection must not also report a generic failure", events)
	}
}

func TestSaveStateTransitions(t *testing.T) {
	engine := mustEngine(t, EngineConfig{Store: &fakeStore{}})
	drainEvents(engine)

	engine.LocalCreate(context.Background(), highlightRecord("a1"))

	events := drainEvents(engine)
	if len(events) != 2 {
		t.Fatalf("events = %+v, want saving then saved", events)
	}
	first, ok := events[0].(SaveStateEvent)
	if !ok || !first.Saving {
		t.Fatalf("first event = %+v, want SaveStateEvent{Saving: true}", events[0])
	}
	second, ok := events[1].(SaveStateEvent)
	if !ok || second.Saving {
		t.Fatalf("second event = %+v, want SaveStateEvent{Saving: false}", events[1])
	}
}

func TestInFlightReturnsToZeroUnderConcurrency(t *testing.T) {
	engine := mustEngine(t, EngineConfig{Store: &fakeStore{}, EventBuffer: 512})

	const workers = 16
	var group sync.WaitGroup
	for index := 0; index < workers; index++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			engine.LocalCreate(context.Background(), highlightRecord(fmt.Sprintf("a%d", index)))
		}(index)
	}
	group.Wait()

	if got := engine.InFlight(); got != 0 {
		t.Fatalf("in-flight = %d, want 0 after all requests settle", got)
	}
	if got := len(engine.All()); got != workers {
		t.Fatalf("held records = %d, want %d", got, workers)
	}
}

func TestResyncAllReissuesEveryRecord(t *testing.T) {
	store := &fakeStore{}
	engine := mustEngine(t, EngineConfig{
		Store: store,
		Initial: []annotation.Annotation{
			highlightRecord("a1"),
			highlightRecord("a2"),
			highlightRecord("a3"),
		},
	})

	engine.ResyncAll(context.Background())

	if store.upsertCount() != 3 {
		t.Fatalf("upsert calls = %d, want one per held record", store.upsertCount())
	}
}

func TestRepliesSortedByCreationDate(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	reply := func(id, parent string, createdAt *time.Time) annotation.Annotation {
		return annotation.Annotation{
			ID:        id,
			CreatedAt: createdAt,
			Kind:      annotation.CommentReply{Parent: parent, Text: "reply " + id},
		}
	}

	engine := mustEngine(t, EngineConfig{
		Store: &fakeStore{},
		Initial: []annotation.Annotation{
			reply("undated", "parent-1", nil),
			reply("late", "parent-1", &late),
			reply("foreign", "parent-2", &early),
			highlightRecord("parent-1"),
			reply("early", "parent-1", &early),
		},
	})

	replies := engine.Replies("parent-1")
	wantOrder := []string{"early", "late", "undated"}
	if len(replies) != len(wantOrder) {
		t.Fatalf("replies = %+v, want %d entries", replies, len(wantOrder))
	}
	for index, want := range wantOrder {
		if replies[index].ID != want {
			t.Fatalf("replies[%d] = %s, want %s", index, replies[index].ID, want)
		}
	}
}

func TestApplyRemoteChanges(t *testing.T) {
	store := &fakeStore{}
	surface := &fakeSurface{}
	engine := mustEngine(t, EngineConfig{
		Store:   store,
		Surface: surface,
		Initial: []annotation.Annotation{highlightRecord("a1")},
	})

	updated := highlightRecord("a1")
	updated.Kind = annotation.Highlight{Color: "#00FF00"}
	engine.ApplyRemoteUpsert(updated)

	if store.upsertCount() != 0 {
		t.Fatal("remote changes must not be written back to the store")
	}
	if len(surface.upserts) != 1 {
		t.Fatalf("surface upserts = %d, want 1", len(surface.upserts))
	}

	engine.ApplyRemoteDelete("a1")
	if len(engine.All()) != 0 {
		t.Fatal("remote delete should remove the record")
	}
	if store.deleteCount() != 0 {
		t.Fatal("remote delete must not issue a store delete")
	}
}

func TestApplyRemoteUpsertOfDeletedRecordRemovesFromSurface(t *testing.T) {
	surface := &fakeSurface{}
	engine := mustEngine(t, EngineConfig{
		Store:   &fakeStore{},
		Surface: surface,
		Initial: []annotation.Annotation{highlightRecord("a1")},
	})

	tombstone := highlightRecord("a1")
	tombstone.Deleted = true
	engine.ApplyRemoteUpsert(tombstone)

	if len(surface.removals) != 1 || surface.removals[0] != "a1" {
		t.Fatalf("surface removals = %v, want a1 removed", surface.removals)
	}
	if got := len(engine.Renderable()); got != 0 {
		t.Fatalf("renderable = %d, want 0", got)
	}
}
