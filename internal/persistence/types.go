package persistence

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/internal/scene"
)

// DefaultCheckpoint is the checkpoint row used by the service.
const DefaultCheckpoint = "session"

// jobDocuments are the JSON columns of a job row.
type jobDocuments struct {
	Outputs      []byte
	Warnings     []byte
	StillInvalid []byte
}

func encodeJob(job *jobs.Job) (jobDocuments, error) {
	var docs jobDocuments
	var err error
	outputs := job.Outputs
	if outputs == nil {
		outputs = map[jobs.Step]string{}
	}
	if docs.Outputs, err = json.Marshal(outputs); err != nil {
		return docs, fmt.Errorf("encode outputs: %w", err)
	}
	warnings := job.Warnings
	if warnings == nil {
		warnings = []scene.Warning{}
	}
	if docs.Warnings, err = json.Marshal(warnings); err != nil {
		return docs, fmt.Errorf("encode warnings: %w", err)
	}
	stillInvalid := job.StillInvalid
	if stillInvalid == nil {
		stillInvalid = []int{}
	}
	if docs.StillInvalid, err = json.Marshal(stillInvalid); err != nil {
		return docs, fmt.Errorf("encode still invalid: %w", err)
	}
	return docs, nil
}

func decodeJob(job *jobs.Job, docs jobDocuments) error {
	if err := json.Unmarshal(docs.Outputs, &job.Outputs); err != nil {
		return fmt.Errorf("decode outputs of %s: %w", job.ID, err)
	}
	if len(job.Outputs) == 0 {
		job.Outputs = nil
	}
	if err := json.Unmarshal(docs.Warnings, &job.Warnings); err != nil {
		return fmt.Errorf("decode warnings of %s: %w", job.ID, err)
	}
	if len(job.Warnings) == 0 {
		job.Warnings = nil
	}
	if err := json.Unmarshal(docs.StillInvalid, &job.StillInvalid); err != nil {
		return fmt.Errorf("decode still invalid of %s: %w", job.ID, err)
	}
	if len(job.StillInvalid) == 0 {
		job.StillInvalid = nil
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}
