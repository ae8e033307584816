package api

// Case is the payload for creating a case in the cloud. CaseData carries the
// structured person/claim fields; Metadata carries free-form agent metadata.
type Case struct {
	CaseID      string            `json:"caseId"`
	Reference   string            `json:"reference,omitempty"`
	Owner       string            `json:"owner,omitempty"`
	AccessGroup string            `json:"accessGroup,omitempty"`
	CaseData    map[string]string `json:"caseData,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SourceFile describes an uploaded file attached to a case. Metadata keys
// control pipeline behavior, e.g. "pipeline.disabled".
type SourceFile struct {
	SourceFileID  string            `json:"sourceFileId"`
	CaseID        string            `json:"caseId"`
	Folder        string            `json:"folder,omitempty"`
	FileReference string            `json:"fileReference,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ProcessedSourceFile is the pipeline output for one source file: the
// documents recognized inside it.
type ProcessedSourceFile struct {
	SourceFileID     string     `json:"sourceFileId"`
	OriginalFilename string     `json:"originalFilename,omitempty"`
	Documents        []Document `json:"documents,omitempty"`
}

// Document is one recognized document inside a processed source file.
type Document struct {
	StartPage int               `json:"startPage"`
	EndPage   int               `json:"endPage"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Diagnoses []Diagnosis       `json:"diagnoses,omitempty"`
}

// Diagnosis is a coded medical finding extracted from a document.
type Diagnosis struct {
	Code string   `json:"code"`
	Tags []string `json:"tags,omitempty"`
}
