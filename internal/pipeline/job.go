package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// job holds the local layout of one source being processed.
type job struct {
	id        string
	key       string
	base      string
	inputPath string
	outputDir string
	// root is removed on cleanup when jobs are namespaced.
	root string
}

func newJob(workDir, id, key string, namespace bool) (*job, error) {
	name := path.Base(key)
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if key == "" || strings.HasSuffix(key, "/") || base == "" || base == "." || base == ".." ||
		strings.ContainsAny(base, `/\`) {
		return nil, fmt.Errorf("invalid source key %q", key)
	}
	dir := workDir
	j := &job{id: id, key: key, base: base}
	if namespace {
		dir = filepath.Join(workDir, id)
		j.root = dir
	}
	j.inputPath = filepath.Join(dir, base+"-original"+ext)
	j.outputDir = filepath.Join(dir, base)
	if namespace && !insideDir(workDir, dir) {
		return nil, fmt.Errorf("invalid job id %q", id)
	}
	if !insideDir(workDir, j.inputPath) || !insideDir(workDir, j.outputDir) {
		return nil, fmt.Errorf("invalid source key %q", key)
	}
	return j, nil
}

// insideDir reports whether target lies strictly below dir.
func insideDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// remoteKey maps a path relative to the output directory to its production
// store key.
func (j *job) remoteKey(rel string) string {
	return path.Join(j.base, filepath.ToSlash(rel))
}

// cleanupLocal removes every local file of the job. Missing paths are not
// errors.
func (j *job) cleanupLocal() error {
	var errs []error
	if err := os.Remove(j.inputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove input: %w", err))
	}
	if err := os.RemoveAll(j.outputDir); err != nil {
		errs = append(errs, fmt.Errorf("remove output dir: %w", err))
	}
	if j.root != "" {
		if err := os.RemoveAll(j.root); err != nil {
			errs = append(errs, fmt.Errorf("remove job dir: %w", err))
		}
	}
	return errors.Join(errs...)
}
