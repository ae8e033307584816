// Package cases contains the agent's event handlers and the case/file
// workflows they drive against the cloud API.
package cases

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/casevault/agent/internal/domain/events"
	"github.com/casevault/agent/internal/infra/api"
	"github.com/casevault/agent/pkg/common/logger"
)

// CloudAPI is the slice of the API client the service needs.
type CloudAPI interface {
	CreateCase(ctx context.Context, tenantID string, cs api.Case) error
	DeleteCase(ctx context.Context, caseID string) error
	CreateSourceFile(ctx context.Context, sf api.SourceFile, r io.Reader) error
	ProcessedSourceFile(ctx context.Context, sourceFileID string) (api.ProcessedSourceFile, error)
	DeleteSourceFile(ctx context.Context, sourceFileID string) error
	DownloadFile(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Service reacts to cloud events and runs the case workflows. It is the
// consumer side of the dispatch engine: its Handlers map is handed to the
// registry before the loop starts.
type Service struct {
	client  CloudAPI
	tenants map[string]string // department -> tenant id
	workDir string

	// deleteProcessed controls whether a ready source file is deleted
	// after its processed output has been fetched.
	deleteProcessed bool

	logger *logger.Logger
}

// NewService creates the case service. workDir is where export downloads
// land; it is created on demand.
func NewService(client CloudAPI, tenants map[string]string, workDir string, log *logger.Logger) *Service {
	return &Service{
		client:          client,
		tenants:         tenants,
		workDir:         workDir,
		deleteProcessed: true,
		logger:          log.With("component", "case_service"),
	}
}

// Handlers returns the full event-type mapping for this service. The
// dispatcher's registry is built from it once, before Start.
func (s *Service) Handlers() map[events.EventType]events.HandlerFunc {
	return map[events.EventType]events.HandlerFunc{
		events.EventTypePong:              s.onPong,
		events.EventTypeCaseCreated:       s.onCaseCreated,
		events.EventTypeCaseUpdated:       s.logCaseEvent,
		events.EventTypeCaseStatusChanged: s.logCaseEvent,
		events.EventTypeCaseReady:         s.logCaseEvent,
		events.EventTypeNotebookUpdated:   s.onNotebookUpdated,
		events.EventTypeSourceFileCreated: s.logSourceFileEvent,
		events.EventTypeSourceFileUpdated: s.logSourceFileEvent,
		events.EventTypeSourceFileReady:   s.onSourceFileReady,
		events.EventTypeSourceFileFailed:  s.onSourceFileFailed,
		events.EventTypeAnnotationCreated: s.logAnnotationEvent,
		events.EventTypeAnnotationUpdated: s.logAnnotationEvent,
		events.EventTypeAnnotationDeleted: s.logAnnotationEvent,
		events.EventTypeExportCreated:     s.onExportCreated,
		events.EventTypeExportShared:      s.logExportEvent,
		events.EventTypeExportViewed:      s.logExportEvent,
		events.EventTypeThreadCreated:     s.logThreadEvent,
		events.EventTypeThreadClosed:      s.logThreadEvent,
	}
}

func (s *Service) onPong(ctx context.Context, evt events.EventEnvelope) error {
	var p events.PongPayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("decoding pong payload: %w", err)
	}
	s.logger.Info(ctx, "pong received", "tenant_id", evt.TenantID, "message", p.Message)
	return nil
}

func (s *Service) onCaseCreated(ctx context.Context, evt events.EventEnvelope) error {
	var p events.CasePayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("decoding case payload: %w", err)
	}
	s.logger.Info(ctx, "case created",
		"case_id", p.CaseID,
		"department", s.departmentFor(evt.TenantID),
		"tenant_id", evt.TenantID,
		"reference", p.Reference)
	return nil
}

func (s *Service) logCaseEvent(ctx context.Context, evt events.EventEnvelope) error {
	var p events.CasePayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("decoding case payload: %w", err)
	}
	s.logger.Info(ctx, "case event",
		"event_type", evt.Type, "case_id", p.CaseID, "status", p.Status)
	return nil
}

func (s *Service) onNotebookUpdated(ctx context.Context, evt events.EventEnvelope) error {
	var p events.NotebookPayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("decoding notebook payload: %w", err)
	}
	s.logger.Info(ctx, "notebook updated", "case_id", p.CaseID)
	return nil
}

func (s *Service) logAnnotationEvent(ctx context.Context, evt events.EventEnvelope) error {
	var p events.AnnotationPayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("decoding annotation payload: %w", err)
	}
	if p.Annotation == nil {
		s.logger.Warn(ctx, "annotation event without annotation",
			"event_type", evt.Type, "event_id", evt.ID)
		return nil
	}

	var remoteAddr string
	if p.User != nil {
		remoteAddr = p.User.RemoteAddr
	}
	s.logger.Info(ctx, "annotation event",
		"event_type", evt.Type,
		"case_id", p.Annotation.CaseID,
		"source_file_id", p.Annotation.SourceFileID,
		"remote_addr", remoteAddr,
		"xfdf_bytes", len(p.Annotation.XFDF))
	return nil
}

func (s *Service) logThreadEvent(ctx context.Context, evt events.EventEnvelope) error {
	var p events.ThreadPayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("decoding thread payload: %w", err)
	}
	s.logger.Info(ctx, "thread event",
		"event_type", evt.Type,
		"subject", p.Subject,
		"attachments", len(p.Attachments))
	return nil
}

func (s *Service) logSourceFileEvent(ctx context.Context, evt events.EventEnvelope) error {
	var p events.SourceFilePayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("decoding source file payload: %w", err)
	}
	s.logger.Info(ctx, "source file event",
		"event_type", evt.Type, "source_file_id", p.SourceFileID, "folder", p.Folder)
	return nil
}

// onSourceFileReady fetches the processed output of a source file, logs the
// recognized document structure, and deletes the source file afterwards so
// repeated demo runs do not accumulate state.
func (s *Service) onSourceFileReady(ctx context.Context, evt events.EventEnvelope) error {
	var p events.SourceFilePayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("decoding source file payload: %w", err)
	}

	processed, err := s.client.ProcessedSourceFile(ctx, p.SourceFileID)
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "source file processed",
		"source_file_id", processed.SourceFileID,
		"original_filename", processed.OriginalFilename,
		"document_count", len(processed.Documents))

	for _, doc := range processed.Documents {
		s.logger.Info(ctx, "document recognized",
			"start_page", doc.StartPage, "end_page", doc.EndPage,
			"diagnoses", len(doc.Diagnoses))
	}

	if !s.deleteProcessed {
		return nil
	}
	if err := s.client.DeleteSourceFile(ctx, processed.SourceFileID); err != nil {
		return err
	}
	s.logger.Info(ctx, "deleted processed source file", "source_file_id", processed.SourceFileID)
	return nil
}

func (s *Service) onSourceFileFailed(ctx context.Context, evt events.EventEnvelope) error {
	var p events.SourceFilePayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("decoding source file payload: %w", err)
	}
	s.logger.Warn(ctx, "source file processing failed",
		"source_file_id", p.SourceFileID, "reason", p.Reason)
	return nil
}

// onExportCreated downloads the export file into the work directory.
func (s *Service) onExportCreated(ctx context.Context, evt events.EventEnvelope) error {
	var p events.ExportPayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("decoding export payload: %w", err)
	}
	if p.File == nil || p.File.URI == "" {
		s.logger.Warn(ctx, "export created without file reference", "export_id", p.ExportID)
		return nil
	}

	body, err := s.client.DownloadFile(ctx, p.File.URI)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}

	// Guard against path traversal in the server-supplied filename.
	dest := filepath.Join(s.workDir, filepath.Base(p.File.Filename))
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("writing export file: %w", err)
	}

	s.logger.Info(ctx, "export downloaded",
		"export_id", p.ExportID, "recipient", p.Recipient, "path", dest)
	return nil
}

func (s *Service) logExportEvent(ctx context.Context, evt events.EventEnvelope) error {
	var p events.ExportPayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("decoding export payload: %w", err)
	}
	s.logger.Info(ctx, "export event",
		"event_type", evt.Type, "export_id", p.ExportID, "method", p.Method)
	return nil
}

func (s *Service) departmentFor(tenantID string) string {
	for department, id := range s.tenants {
		if id == tenantID {
			return department
		}
	}
	return "unknown"
}
