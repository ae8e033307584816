package events

// EventType represents a domain event category, enabling type-safe event
// routing and handling.
type EventType string

// Domain event type constants, in their canonical (marker-free) form.
const (
	EventTypePong EventType = "PongEvent"

	// Case lifecycle.
	EventTypeCaseCreated       EventType = "CaseCreatedEvent"
	EventTypeCaseUpdated       EventType = "CaseUpdatedEvent"
	EventTypeCaseStatusChanged EventType = "CaseStatusChangedEvent"
	EventTypeCaseReady         EventType = "CaseReadyEvent"
	EventTypeNotebookUpdated   EventType = "NotebookUpdatedEvent"

	// Source file pipeline.
	EventTypeSourceFileCreated EventType = "SourceFileCreatedEvent"
	EventTypeSourceFileUpdated EventType = "SourceFileUpdatedEvent"
	EventTypeSourceFileReady   EventType = "SourceFileReadyEvent"
	EventTypeSourceFileFailed  EventType = "SourceFileFailedEvent"

	// Annotations.
	EventTypeAnnotationCreated EventType = "AnnotationCreatedEvent"
	EventTypeAnnotationUpdated EventType = "AnnotationUpdatedEvent"
	EventTypeAnnotationDeleted EventType = "AnnotationDeletedEvent"

	// Exports.
	EventTypeExportCreated EventType = "ExportCreatedEvent"
	EventTypeExportShared  EventType = "ExportSharedEvent"
	EventTypeExportViewed  EventType = "ExportViewedEvent"

	// Messaging threads.
	EventTypeThreadCreated EventType = "ThreadCreatedEvent"
	EventTypeThreadClosed  EventType = "ThreadClosedEvent"
)

// PongPayload is the payload of a PongEvent, the reply to an agent ping.
type PongPayload struct {
	Message string `json:"message"`
}

// CasePayload is the payload of the case lifecycle events.
type CasePayload struct {
	CaseID    string            `json:"caseId"`
	Reference string            `json:"reference,omitempty"`
	Status    string            `json:"status,omitempty"`
	CaseData  map[string]string `json:"caseData,omitempty"`
}

// SourceFilePayload is the payload of the source file pipeline events.
type SourceFilePayload struct {
	SourceFileID string `json:"sourceFileId"`
	CaseID       string `json:"caseId,omitempty"`
	Folder       string `json:"folder,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ExportPayload is the payload of the export lifecycle events.
type ExportPayload struct {
	ExportID  string     `json:"exportId"`
	CaseID    string     `json:"caseId,omitempty"`
	Recipient string     `json:"recipient,omitempty"`
	Method    string     `json:"method,omitempty"`
	Email     string     `json:"email,omitempty"`
	File      *FileRef   `json:"file,omitempty"`
	Viewer    *ViewerRef `json:"viewer,omitempty"`
}

// NotebookPayload is the payload of a NotebookUpdatedEvent.
type NotebookPayload struct {
	CaseID  string `json:"caseId"`
	Content string `json:"content,omitempty"`
}

// AnnotationPayload is the payload of the annotation events. The XFDF fields
// carry the annotation markup; SourceFileXFDF holds the remaining markup of
// the source file after a deletion.
type AnnotationPayload struct {
	Annotation *AnnotationRef `json:"annotation,omitempty"`
	User       *ViewerRef     `json:"user,omitempty"`
}

// AnnotationRef describes one annotation on a source file.
type AnnotationRef struct {
	AnnotationID   string `json:"annotationId,omitempty"`
	CaseID         string `json:"caseId"`
	SourceFileID   string `json:"sourceFileId,omitempty"`
	XFDF           string `json:"xfdf,omitempty"`
	SourceFileXFDF string `json:"sourceFileXfdf,omitempty"`
}

// ThreadPayload is the payload of the messaging thread events. Attachments
// holds the download URIs of messages attached before the thread closed.
type ThreadPayload struct {
	ThreadID    string   `json:"threadId,omitempty"`
	CaseID      string   `json:"caseId,omitempty"`
	Subject     string   `json:"subject"`
	Attachments []string `json:"attachments,omitempty"`
}

// FileRef points at a downloadable file attached to an event.
type FileRef struct {
	URI      string `json:"uri"`
	Filename string `json:"filename"`
}

// ViewerRef identifies the user behind a frontend-triggered event.
type ViewerRef struct {
	RemoteAddr string `json:"remoteAddr,omitempty"`
}
