package export

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

// Uploader stores one object and returns where it ended up.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Document is one exported step output.
type Document struct {
	Name        string
	Body        []byte
	ContentType string
}

// Documents lists the stored outputs of job in step order.
func Documents(job *jobs.Job) []Document {
	var docs []Document
	for step := jobs.FirstStep; step <= jobs.LastStep; step++ {
		out := job.Output(step)
		if out == "" {
			continue
		}
		ext, contentType := ".json", "application/json"
		if step == jobs.StepScript {
			ext, contentType = ".txt", "text/plain; charset=utf-8"
		}
		docs = append(docs, Document{
			Name:        step.String() + ext,
			Body:        []byte(out),
			ContentType: contentType,
		})
	}
	return docs
}

// Exporter writes finished jobs to every configured uploader under
// <prefix>/<job id>/.
type Exporter struct {
	prefix    string
	uploaders []Uploader
}

func NewExporter(prefix string, uploaders ...Uploader) *Exporter {
	return &Exporter{prefix: strings.Trim(prefix, "/"), uploaders: uploaders}
}

// Enabled reports whether any uploader is configured.
func (e *Exporter) Enabled() bool {
	return e != nil && len(e.uploaders) > 0
}

// Export uploads job's documents and returns their locations.
func (e *Exporter) Export(ctx context.Context, job *jobs.Job) ([]string, error) {
	if !e.Enabled() {
		return nil, nil
	}
	if job == nil || job.ID == "" {
		return nil, fmt.Errorf("export: job id is required")
	}
	var locations []string
	for _, doc := range Documents(job) {
		key := path.Join(e.prefix, job.ID, doc.Name)
		for _, u := range e.uploaders {
			loc, err := u.Upload(ctx, key, doc.Body, doc.ContentType)
			if err != nil {
				return locations, fmt.Errorf("export %s: %w", key, err)
			}
			locations = append(locations, loc)
		}
	}
	log.Info("Exported job %s: %d objects", job.ID, len(locations))
	return locations, nil
}
