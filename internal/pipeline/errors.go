package pipeline

import (
	"errors"
	"fmt"
)

// Stage names reported in StageError.
const (
	StageDownload  = "download"
	StageTranscode = "transcode"
	StageManifest  = "manifest"
	StageUpload    = "upload"
	StageCleanup   = "cleanup"
)

// ErrNoReadableSource is returned when the staging object cannot be read.
var ErrNoReadableSource = errors.New("source has no readable stream")

// StageError records the pipeline stage that failed a job.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// FailedStage returns the stage recorded in err, or "" when err carries none.
func FailedStage(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
