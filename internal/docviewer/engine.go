package docviewer

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/docviewer/internal/annotation"
	"github.com/MarcoPoloResearchLab/docviewer/internal/canvadocs"
	"go.uber.org/zap"
)

// maxInkPoints is the stroke complexity ceiling: an ink annotation whose
// gestures total more than this many points is rejected before encoding.
const maxInkPoints = 120

const defaultEventBuffer = 64

var (
	errMissingStore = errors.New("docviewer: annotation store is required")
	noOpLogger      = zap.NewNop()
)

// AnnotationStore is the remote side of the sync engine, satisfied by
// canvadocs.Client.
type AnnotationStore interface {
	UpsertAnnotation(ctx context.Context, record annotation.Annotation) (annotation.Annotation, error)
	DeleteAnnotation(ctx context.Context, annotationID string) error
}

// IDProvider issues ids for locally created annotations that have not been
// assigned one by the renderer.
type IDProvider interface {
	NewID() (string, error)
}

// EngineConfig carries the collaborators for NewEngine. Store is required.
type EngineConfig struct {
	Store   AnnotationStore
	Surface RenderingSurface
	// Initial is the annotation list the session loader fetched.
	Initial []annotation.Annotation
	// FileAnnotationIDs identifies annotations embedded in the PDF itself.
	// They render but are never written to the store.
	FileAnnotationIDs []string
	IDProvider        IDProvider
	Logger            *zap.Logger
	// EventBuffer sizes the event channel; events beyond it are dropped.
	EventBuffer int
}

// Engine owns the authoritative annotation list for one document session.
// Every local mutation goes through it; it mirrors each mutation onto the
// rendering surface, mediates it against the remote store, and reports
// save-state, failure and limit events on its event channel.
//
// Engine state is guarded by a single mutex, so the mutation methods may be
// called from any goroutine; each blocks until its network round trip
// completes.
type Engine struct {
	mu              sync.Mutex
	store           AnnotationStore
	surface         RenderingSurface
	records         []annotation.Annotation
	fileAnnotations map[string]struct{}
	inFlight        int
	idProvider      IDProvider
	events          chan Event
	logger          *zap.Logger
}

// NewEngine builds an Engine around the loader's annotation list and pushes
// the renderable subset onto the surface.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	surface := cfg.Surface
	if surface == nil {
		surface = noopSurface{}
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	fileAnnotations := make(map[string]struct{}, len(cfg.FileAnnotationIDs))
	for _, id := range cfg.FileAnnotationIDs {
		fileAnnotations[id] = struct{}{}
	}

	engine := &Engine{
		store:           cfg.Store,
		surface:         surface,
		records:         append([]annotation.Annotation(nil), cfg.Initial...),
		fileAnnotations: fileAnnotations,
		idProvider:      idProvider,
		events:          make(chan Event, buffer),
		logger:          logger,
	}
	surface.SetAll(engine.Renderable())
	return engine, nil
}

// Events returns the engine's event stream. The channel is buffered; a
// consumer that falls far behind loses events rather than blocking sync.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// All returns a copy of the authoritative list, deleted records included.
func (e *Engine) All() []annotation.Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]annotation.Annotation(nil), e.records...)
}

// Renderable returns the annotations the surface should draw: everything
// not marked deleted.
func (e *Engine) Renderable() []annotation.Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()
	renderable := make([]annotation.Annotation, 0, len(e.records))
	for _, record := range e.records {
		if !record.Deleted {
			renderable = append(renderable, record)
		}
	}
	return renderable
}

// InFlight returns the number of outstanding store operations.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// IsFileAnnotation reports whether the id belongs to an annotation embedded
// in the PDF file rather than the remote store.
func (e *Engine) IsFileAnnotation(annotationID string) bool {
	_, ok := e.fileAnnotations[annotationID]
	return ok
}

// LocalCreate records a new annotation and writes it to the store. Empty
// free-text and comment-reply records and file annotations are retained
// locally without a network call. A record without an id is assigned one.
// The returned annotation reflects the id assignment.
func (e *Engine) LocalCreate(ctx context.Context, record annotation.Annotation) annotation.Annotation {
	if record.ID == "" {
		if id, err := e.idProvider.NewID(); err == nil {
			record.ID = id
		} else {
			e.logger.Error("id generation failed", zap.Error(err))
		}
	}

	e.mu.Lock()
	e.records = append(e.records, record)
	e.mu.Unlock()

	if record.IsEmpty() || e.IsFileAnnotation(record.ID) {
		return record
	}

	e.performUpsert(ctx, record)
	return record
}

// LocalUpdate applies an edit to an existing annotation. Ink edits above the
// stroke ceiling are rejected outright: the surface is told to undo them,
// the limit event fires, and no network call happens. Otherwise the list is
// updated optimistically and, unless the record is empty, the store write is
// issued; on success the entry is replaced by the server's canonical record.
func (e *Engine) LocalUpdate(ctx context.Context, record annotation.Annotation) {
	if record.TotalInkPoints() > maxInkPoints {
		e.surface.Undo(record)
		e.publish(LimitExceededEvent{Annotation: record})
		return
	}

	e.mu.Lock()
	e.replaceOrAppendLocked(record)
	e.mu.Unlock()

	if record.IsEmpty() || e.IsFileAnnotation(record.ID) {
		return
	}

	e.performUpsert(ctx, record)
}

// LocalDelete removes every entry matching the id from the authoritative
// list and issues one store delete per removed entry. The local removal is
// unconditional: a failed delete is reported but the record is not
// reinstated.
func (e *Engine) LocalDelete(ctx context.Context, annotationID string) {
	e.mu.Lock()
	removed := 0
	for index := len(e.records) - 1; index >= 0; index-- {
		if e.records[index].ID == annotationID {
			e.records = append(e.records[:index], e.records[index+1:]...)
			removed++
		}
	}
	e.mu.Unlock()

	if removed == 0 {
		return
	}
	e.surface.Remove(annotationID)

	if e.IsFileAnnotation(annotationID) {
		return
	}

	for i := 0; i < removed; i++ {
		e.beginRequest()
		err := e.store.DeleteAnnotation(ctx, annotationID)
		e.endRequest()
		if err != nil {
			e.logger.Warn("annotation delete failed",
				zap.String("annotation_id", annotationID),
				zap.Error(err))
			e.publish(SaveFailedEvent{AnnotationID: annotationID, Err: err})
		}
	}
}

// ResyncAll re-issues an update for every held record, as a manual
// retry-everything action. With nothing held it only resets the in-flight
// counter to a clean zero.
func (e *Engine) ResyncAll(ctx context.Context) {
	e.mu.Lock()
	if len(e.records) == 0 {
		if e.inFlight != 0 {
			e.inFlight = 0
			e.mu.Unlock()
			e.publish(SaveStateEvent{Saving: false})
			return
		}
		e.mu.Unlock()
		return
	}
	pending := append([]annotation.Annotation(nil), e.records...)
	e.mu.Unlock()

	for _, record := range pending {
		e.LocalUpdate(ctx, record)
	}
}

// Replies returns the comment-reply children of the given annotation id in
// ascending creation order. Replies without a creation date sort after all
// dated ones.
func (e *Engine) Replies(parentID string) []annotation.Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()

	replies := make([]annotation.Annotation, 0)
	for _, record := range e.records {
		reply, ok := record.Kind.(annotation.CommentReply)
		if ok && reply.Parent == parentID {
			replies = append(replies, record)
		}
	}
	sort.SliceStable(replies, func(i, j int) bool {
		left, right := replies[i].CreatedAt, replies[j].CreatedAt
		switch {
		case left == nil:
			return false
		case right == nil:
			return true
		default:
			return left.Before(*right)
		}
	})
	return replies
}

// ApplyRemoteUpsert folds an annotation change received over the push
// channel into the authoritative list without writing back to the store.
func (e *Engine) ApplyRemoteUpsert(record annotation.Annotation) {
	e.mu.Lock()
	e.replaceOrAppendLocked(record)
	e.mu.Unlock()
	if record.Deleted {
		e.surface.Remove(record.ID)
		return
	}
	e.surface.Upsert(record)
}

// ApplyRemoteDelete folds a deletion received over the push channel into
// the authoritative list.
func (e *Engine) ApplyRemoteDelete(annotationID string) {
	e.mu.Lock()
	for index := len(e.records) - 1; index >= 0; index-- {
		if e.records[index].ID == annotationID {
			e.records = append(e.records[:index], e.records[index+1:]...)
		}
	}
	e.mu.Unlock()
	e.surface.Remove(annotationID)
}

// performUpsert runs one store write with in-flight bookkeeping. On success
// the list entry is replaced by the canonical server record; on failure the
// local entry is retained and the failure is classified for the UI.
func (e *Engine) performUpsert(ctx context.Context, record annotation.Annotation) {
	e.beginRequest()
	canonical, err := e.store.UpsertAnnotation(ctx, record)
	e.endRequest()

	if err != nil {
		if errors.Is(err, canvadocs.ErrAnnotationTooBig) {
			e.publish(LimitExceededEvent{Annotation: record})
			return
		}
		e.logger.Warn("annotation upsert failed",
			zap.String("annotation_id", record.ID),
			zap.Error(err))
		e.publish(SaveFailedEvent{AnnotationID: record.ID, Err: err})
		return
	}

	e.mu.Lock()
	e.replaceByIDLocked(record.ID, canonical)
	e.mu.Unlock()
	e.surface.Upsert(canonical)
}

func (e *Engine) replaceOrAppendLocked(record annotation.Annotation) {
	for index := range e.records {
		if e.records[index].ID == record.ID {
			e.records[index] = record
			return
		}
	}
	e.records = append(e.records, record)
}

func (e *Engine) replaceByIDLocked(annotationID string, canonical annotation.Annotation) {
	for index := range e.records {
		if e.records[index].ID == annotationID {
			e.records[index] = canonical
			return
		}
	}
}

func (e *Engine) beginRequest() {
	e.mu.Lock()
	e.inFlight++
	transitioned := e.inFlight == 1
	e.mu.Unlock()
	if transitioned {
		e.publish(SaveStateEvent{Saving: true})
	}
}

func (e *Engine) endRequest() {
	e.mu.Lock()
	if e.inFlight > 0 {
		e.inFlight--
	}
	transitioned := e.inFlight == 0
	e.mu.Unlock()
	if transitioned {
		e.publish(SaveStateEvent{Saving: false})
	}
}

// publish delivers an event without ever blocking a sync path.
func (e *Engine) publish(event Event) {
	select {
	case e.events <- event:
	default:
		e.logger.Warn("event dropped, consumer too slow")
	}
}
