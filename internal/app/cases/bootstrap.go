package cases

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/casevault/agent/internal/infra/api"
)

// Bootstrap seeds a demo case with one source file under the given
// department, mirroring what a connector integration does on first contact.
// The pipeline picks the file up and eventually delivers a
// SourceFileReadyEvent back through the dispatch loop.
func (s *Service) Bootstrap(ctx context.Context, department, samplePath string) error {
	tenantID, ok := s.tenants[department]
	if !ok {
		return fmt.Errorf("unknown department %q", department)
	}

	cs := api.Case{
		CaseID:      uuid.NewString(),
		Reference:   "demo-" + uuid.NewString()[:8],
		Owner:       "agent-demo",
		AccessGroup: "group1",
		CaseData: map[string]string{
			"PII_FIRSTNAME": "Maria",
			"PII_LASTNAME":  "Bernasconi",
		},
		Metadata: map[string]string{"origin": "agent-bootstrap"},
	}
	if err := s.client.CreateCase(ctx, tenantID, cs); err != nil {
		return err
	}
	s.logger.Info(ctx, "demo case created", "case_id", cs.CaseID, "department", department)

	f, err := os.Open(samplePath)
	if err != nil {
		return fmt.Errorf("opening sample file: %w", err)
	}
	defer f.Close()

	sf := api.SourceFile{
		SourceFileID:  uuid.NewString(),
		CaseID:        cs.CaseID,
		Folder:        "unknown",
		FileReference: "sample.pdf",
		Metadata:      map[string]string{"pipeline.disabled": "false"},
	}
	if err := s.client.CreateSourceFile(ctx, sf, f); err != nil {
		return err
	}
	s.logger.Info(ctx, "demo source file uploaded",
		"source_file_id", sf.SourceFileID, "case_id", cs.CaseID)

	return nil
}
