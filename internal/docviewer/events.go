package docviewer

import "github.com/MarcoPoloResearchLab/docviewer/internal/annotation"

// Event is a message from the engine to the UI layer. The set of
// implementations is closed; consumers switch on the concrete type.
type Event interface {
	event()
}

// SaveStateEvent reports the derived saving indicator: true while any write
// or delete is outstanding, false once the in-flight count returns to zero.
type SaveStateEvent struct {
	Saving bool
}

func (SaveStateEvent) event() {}

// SaveFailedEvent reports a write or delete the store rejected. The record
// it refers to stays in the authoritative list for creates and updates, so
// the UI can offer a retry.
type SaveFailedEvent struct {
	AnnotationID string
	Err          error
}

func (SaveFailedEvent) event() {}

// LimitExceededEvent reports an edit rejected for exceeding the stroke or
// payload size limit. No network call was made for it.
type LimitExceededEvent struct {
	Annotation annotation.Annotation
}

func (LimitExceededEvent) event() {}

// RenderingSurface is the engine's view of the PDF renderer. The engine
// keeps the surface's annotation set in lockstep with the authoritative
// list; Undo asks the surface to roll back an edit the engine rejected.
type RenderingSurface interface {
	SetAll(records []annotation.Annotation)
	Upsert(record annotation.Annotation)
	Remove(annotationID string)
	Undo(record annotation.Annotation)
}

type noopSurface struct{}

func (noopSurface) SetAll([]annotation.Annotation) {}
func (noopSurface) Upsert(annotation.Annotation)   {}
func (noopSurface) Remove(string)                  {}
func (noopSurface) Undo(annotation.Annotation)     {}
