package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// The single-shot case and file operations retry transient failures with
// exponential backoff. The dispatch channel (Heartbeat/Acknowledge) never
// does; see client.go.

// CreateCase creates a case under the given tenant.
func (c *Client) CreateCase(ctx context.Context, tenantID string, cs Case) error {
	ctx, span := c.tracer.Start(ctx, "api.create_case",
		trace.WithAttributes(
			attribute.String("case_id", cs.CaseID),
			attribute.String("tenant_id", tenantID),
		))
	defer span.End()

	err := c.withRetry(ctx, func() error {
		return c.doTenantJSON(ctx, http.MethodPost, "/v1/cases", tenantID, cs, nil)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("creating case %s: %w", cs.CaseID, err)
	}
	return nil
}

// DeleteCase removes a case and everything attached to it.
func (c *Client) DeleteCase(ctx context.Context, caseID string) error {
	ctx, span := c.tracer.Start(ctx, "api.delete_case",
		trace.WithAttributes(attribute.String("case_id", caseID)))
	defer span.End()

	err := c.withRetry(ctx, func() error {
		return c.doJSON(ctx, http.MethodDelete, "/v1/cases/"+caseID, nil, nil)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting case %s: %w", caseID, err)
	}
	return nil
}

// CreateSourceFile uploads a source file as a multipart request: a "file"
// part streamed from r next to a "sourcefile" JSON part. The content is
// streamed, not buffered, to keep the agent's memory footprint flat for
// large files.
func (c *Client) CreateSourceFile(ctx context.Context, sf SourceFile, r io.Reader) error {
	ctx, span := c.tracer.Start(ctx, "api.create_source_file",
		trace.WithAttributes(
			attribute.String("source_file_id", sf.SourceFileID),
			attribute.String("case_id", sf.CaseID),
		))
	defer span.End()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeSourceFileParts(mw, sf, r)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sourcefiles", pr)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	// Uploads use the untimed client: a large file can legitimately take
	// longer than the standard request timeout. The body is not
	// replayable, so there is no retry either.
	resp, err := c.send(c.streaming, req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("uploading source file %s: %w", sf.SourceFileID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ProcessedSourceFile fetches the pipeline output for a source file.
func (c *Client) ProcessedSourceFile(ctx context.Context, sourceFileID string) (ProcessedSourceFile, error) {
	ctx, span := c.tracer.Start(ctx, "api.processed_source_file",
		trace.WithAttributes(attribute.String("source_file_id", sourceFileID)))
	defer span.End()

	var out ProcessedSourceFile
	err := c.withRetry(ctx, func() error {
		return c.doJSON(ctx, http.MethodGet, "/v1/sourcefiles/"+sourceFileID+"/processed", nil, &out)
	})
	if err != nil {
		span.RecordError(err)
		return ProcessedSourceFile{}, fmt.Errorf("fetching processed source file %s: %w", sourceFileID, err)
	}
	return out, nil
}

// DeleteSourceFile removes a source file and its processed derivatives.
func (c *Client) DeleteSourceFile(ctx context.Context, sourceFileID string) error {
	ctx, span := c.tracer.Start(ctx, "api.delete_source_file",
		trace.WithAttributes(attribute.String("source_file_id", sourceFileID)))
	defer span.End()

	err := c.withRetry(ctx, func() error {
		return c.doJSON(ctx, http.MethodDelete, "/v1/sourcefiles/"+sourceFileID, nil, nil)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting source file %s: %w", sourceFileID, err)
	}
	return nil
}

// DownloadFile streams the file behind an event's download URI. The caller
// owns the returned reader and must close it.
func (c *Client) DownloadFile(ctx context.Context, uri string) (io.ReadCloser, error) {
	ctx, span := c.tracer.Start(ctx, "api.download_file")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("building download request: %w", err)
	}

	resp, err := c.send(c.streaming, req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("downloading %s: %w", uri, err)
	}
	return resp.Body, nil
}

// doTenantJSON is doJSON with the tenant scoping header attached.
func (c *Client) doTenantJSON(ctx context.Context, method, path, tenantID string, in, out any) error {
	ctx = withTenant(ctx, tenantID)
	return c.doJSON(ctx, method, path, in, out)
}

// withRetry runs op with exponential backoff, giving up immediately on
// non-transient API errors.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = time.Second

	operation := func() error {
		err := op()
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		if asStatusError(err, &statusErr) && !statusErr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(expBackoff, ctx))
}

func writeSourceFileParts(mw *multipart.Writer, sf SourceFile, r io.Reader) error {
	meta, err := mw.CreateFormField("sourcefile")
	if err != nil {
		return err
	}
	if err := encodeJSON(meta, sf); err != nil {
		return err
	}

	part, err := mw.CreateFormFile("file", sf.FileReference)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, r)
	return err
}
