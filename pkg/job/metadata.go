package job

import (
	"maps"
	"time"
)

// Metadata is the extensible bag stored with each job. Per-type options are
// tagged by job type: only the field matching Job.Type is expected to be set.
type Metadata struct {
	Sources     []string           `json:"sources,omitempty"`
	Collection  *CollectionOptions `json:"collection,omitempty"`
	Processing  *ProcessingOptions `json:"processing,omitempty"`
	Stage       Status             `json:"stage,omitempty"`
	Message     string             `json:"message,omitempty"`
	ETA         *time.Time         `json:"eta,omitempty"`
	Performance Performance        `json:"performance"`
}

type CollectionOptions struct {
	MaxResults int        `json:"maxResults,omitempty"`
	DateFrom   *time.Time `json:"dateFrom,omitempty"`
	DateTo     *time.Time `json:"dateTo,omitempty"`
	Languages  []string   `json:"languages,omitempty"`
}

type ProcessingOptions struct {
	Files        []FileRef `json:"files,omitempty"`
	ChunkSize    int       `json:"chunkSize,omitempty"`
	ChunkOverlap int       `json:"chunkOverlap,omitempty"`
}

type FileRef struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Performance holds counters accumulated while the job runs.
type Performance struct {
	ExternalCalls  int   `json:"externalCalls,omitempty"`
	FallbacksUsed  int   `json:"fallbacksUsed,omitempty"`
	BytesProcessed int64 `json:"bytesProcessed,omitempty"`
	QueueWaitMs    int64 `json:"queueWaitMs,omitempty"`
}

func (m Metadata) clone() Metadata {
	c := m
	c.Sources = append([]string(nil), m.Sources...)
	if m.Collection != nil {
		co := *m.Collection
		co.Languages = append([]string(nil), m.Collection.Languages...)
		c.Collection = &co
	}
	if m.Processing != nil {
		po := *m.Processing
		po.Files = append([]FileRef(nil), m.Processing.Files...)
		c.Processing = &po
	}
	if m.ETA != nil {
		t := *m.ETA
		c.ETA = &t
	}
	return c
}

// DocumentRef is one document found or downloaded by a collection job.
type DocumentRef struct {
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Source      string     `json:"source,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	ContentType string     `json:"contentType,omitempty"`
	Size        int64      `json:"size,omitempty"`
	Downloaded  bool       `json:"downloaded"`
}

// Results accumulates output while a job runs. Merge semantics: list fields
// append, non-zero scalars overwrite, Extra keys overwrite.
type Results struct {
	Warnings            []string          `json:"warnings,omitempty"`
	Keywords            []string          `json:"keywords,omitempty"`
	Documents           []DocumentRef     `json:"documents,omitempty"`
	DocumentsFound      int               `json:"documentsFound,omitempty"`
	DocumentsDownloaded int               `json:"documentsDownloaded,omitempty"`
	FilesProcessed      int               `json:"filesProcessed,omitempty"`
	Chunks              int               `json:"chunks,omitempty"`
	Embedded            int               `json:"embedded,omitempty"`
	Indexed             int               `json:"indexed,omitempty"`
	DurationMs          int64             `json:"durationMs,omitempty"`
	Extra               map[string]string `json:"extra,omitempty"`
}

func (r *Results) Merge(p Results) {
	r.Warnings = append(r.Warnings, p.Warnings...)
	r.Keywords = append(r.Keywords, p.Keywords...)
	r.Documents = append(r.Documents, p.Documents...)
	setInt(&r.DocumentsFound, p.DocumentsFound)
	setInt(&r.DocumentsDownloaded, p.DocumentsDownloaded)
	setInt(&r.FilesProcessed, p.FilesProcessed)
	setInt(&r.Chunks, p.Chunks)
	setInt(&r.Embedded, p.Embedded)
	setInt(&r.Indexed, p.Indexed)
	if p.DurationMs != 0 {
		r.DurationMs = p.DurationMs
	}
	if len(p.Extra) > 0 {
		if r.Extra == nil {
			r.Extra = make(map[string]string, len(p.Extra))
		}
		maps.Copy(r.Extra, p.Extra)
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func (r Results) clone() Results {
	c := r
	c.Warnings = append([]string(nil), r.Warnings...)
	c.Keywords = append([]string(nil), r.Keywords...)
	c.Documents = append([]DocumentRef(nil), r.Documents...)
	if r.Extra != nil {
		c.Extra = maps.Clone(r.Extra)
	}
	return c
}
