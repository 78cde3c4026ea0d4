// Package pipeline turns one staging object into a published multi-rendition
// HLS package: download, per-profile transcode, master playlist, upload and
// cleanup, strictly in that order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hls-ingest/internal/hls"
	"hls-ingest/internal/media"
	"hls-ingest/internal/objectstore"
	"hls-ingest/internal/observability/logging"
	"hls-ingest/internal/observability/metrics"
	"hls-ingest/internal/publication"
)

const defaultUploadConcurrency = 4

// Config wires the collaborators of a Pipeline.
type Config struct {
	Staging    objectstore.Store
	Production objectstore.Store
	Engine     media.Engine
	// Profiles defaults to media.DefaultProfiles.
	Profiles []media.Profile
	WorkDir  string
	// NamespaceByJob places each job's files under WorkDir/<job id> so
	// sources with the same base name cannot collide.
	NamespaceByJob    bool
	UploadConcurrency int
	Sink              publication.Sink
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	// NewJobID defaults to random UUIDs.
	NewJobID func() string
	Now      func() time.Time
}

// Pipeline processes staging objects. A Pipeline may be shared, but jobs
// with the same base name must not run concurrently unless NamespaceByJob
// is set.
type Pipeline struct {
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Staging == nil {
		return nil, errors.New("pipeline: staging store is required")
	}
	if cfg.Production == nil {
		return nil, errors.New("pipeline: production store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = media.DefaultProfiles()
	} else {
		cfg.Profiles = media.CloneProfiles(cfg.Profiles)
	}
	if err := media.ValidateProfiles(cfg.Profiles); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "hls-ingest")
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = defaultUploadConcurrency
	}
	if cfg.Sink == nil {
		cfg.Sink = publication.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewJobID == nil {
		cfg.NewJobID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{cfg: cfg}, nil
}

// Profiles returns a copy of the configured rendition ladder.
func (p *Pipeline) Profiles() []media.Profile {
	return media.CloneProfiles(p.cfg.Profiles)
}

// Process runs every stage for key. Local files are removed on every exit
// path; the staging object is deleted only after all artifacts uploaded.
// Partial uploads are left in place when a later upload fails.
func (p *Pipeline) Process(ctx context.Context, key string) (err error) {
	started := time.Now()
	jobID := p.cfg.NewJobID()
	ctx = logging.ContextWithJobID(ctx, jobID)
	ctx = logging.ContextWithSourceKey(ctx, key)
	logger := logging.WithContext(ctx, p.cfg.Logger)

	p.cfg.Metrics.JobStarted()
	defer func() {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeFailure
		}
		p.cfg.Metrics.JobFinished(outcome, time.Since(started))
	}()

	j, err := newJob(p.cfg.WorkDir, jobID, key, p.cfg.NamespaceByJob)
	if err != nil {
		return stageError(StageDownload, err)
	}
	defer func() {
		if cleanupErr := j.cleanupLocal(); cleanupErr != nil {
			logger.Warn("local cleanup failed", "error", cleanupErr)
		}
	}()

	logger.Info("job started", "input", j.inputPath, "output_dir", j.outputDir)

	if err := p.download(ctx, j); err != nil {
		return stageError(StageDownload, err)
	}
	if err := p.transcode(ctx, logger, j); err != nil {
		return stageError(StageTranscode, err)
	}
	masterPath, err := hls.WriteMaster(j.outputDir, p.cfg.Profiles)
	if err != nil {
		return stageError(StageManifest, err)
	}
	logger.Debug("master playlist written", "path", masterPath)

	result, err := p.upload(ctx, j)
	if err != nil {
		return stageError(StageUpload, err)
	}
	logger.Info("artifacts published", "objects", result.objects, "bytes", result.bytes)

	if err := p.cfg.Staging.Delete(ctx, key); err != nil {
		logger.Warn("source delete failed", "error", stageError(StageCleanup, err))
	}

	p.record(ctx, logger, j, result)
	logger.Info("job finished", "duration", time.Since(started).String())
	return nil
}

func (p *Pipeline) download(ctx context.Context, j *job) error {
	body, err := p.cfg.Staging.Get(ctx, j.key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrNoReadableSource, err)
		}
		return fmt.Errorf("open source: %w", err)
	}
	if body == nil {
		return ErrNoReadableSource
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(j.inputPath), 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	file, err := os.Create(j.inputPath)
	if err != nil {
		return fmt.Errorf("create input file: %w", err)
	}
	if _, err := io.Copy(file, body); err != nil {
		_ = file.Close()
		return fmt.Errorf("copy source: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close input file: %w", err)
	}
	return nil
}

// transcode runs one engine invocation per profile concurrently. The first
// failure cancels the remaining invocations and is returned once all of
// them have exited.
func (p *Pipeline) transcode(ctx context.Context, logger *slog.Logger, j *job) error {
	if err := os.RemoveAll(j.outputDir); err != nil {
		return fmt.Errorf("reset output dir: %w", err)
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, profile := range p.cfg.Profiles {
		profile := profile
		group.Go(func() error {
			req := media.Request{
				Input:     j.inputPath,
				OutputDir: filepath.Join(j.outputDir, profile.Name),
				Profile:   profile,
			}
			if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
				return fmt.Errorf("%s: create output dir: %w", profile.Name, err)
			}
			started := time.Now()
			err := p.cfg.Engine.Transcode(groupCtx, req)
			if err == nil {
				_, err = hls.VerifyRendition(req.PlaylistPath())
			}
			outcome := metrics.OutcomeSuccess
			if err != nil {
				outcome = metrics.OutcomeFailure
			}
			p.cfg.Metrics.ObserveTranscode(profile.Name, outcome, time.Since(started))
			if err != nil {
				return fmt.Errorf("%s: %w", profile.Name, err)
			}
			logger.Info("rendition ready", "profile", profile.Name, "duration", time.Since(started).String())
			return nil
		})
	}
	return group.Wait()
}

type uploadResult struct {
	objects int
	bytes   int64
	keys    []string
}

type artifact struct {
	path string
	key  string
}

// artifacts lists the files to publish: every file inside a rendition
// directory plus the master playlist.
func (p *Pipeline) artifacts(j *job) ([]artifact, error) {
	entries, err := os.ReadDir(j.outputDir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var files []artifact
	for _, entry := range entries {
		if !entry.IsDir() {
			if entry.Name() == hls.MasterName {
				files = append(files, artifact{
					path: filepath.Join(j.outputDir, entry.Name()),
					key:  j.remoteKey(entry.Name()),
				})
			}
			continue
		}
		dir := filepath.Join(j.outputDir, entry.Name())
		children, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		for _, child := range children {
			if child.IsDir() {
				continue
			}
			files = append(files, artifact{
				path: filepath.Join(dir, child.Name()),
				key:  j.remoteKey(filepath.Join(entry.Name(), child.Name())),
			})
		}
	}
	return files, nil
}

func (p *Pipeline) upload(ctx context.Context, j *job) (uploadResult, error) {
	files, err := p.artifacts(j)
	if err != nil {
		return uploadResult{}, err
	}

	var (
		mu     sync.Mutex
		result uploadResult
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.UploadConcurrency)
	for _, file := range files {
		file := file
		group.Go(func() error {
			size, err := p.uploadFile(groupCtx, file)
			if err != nil {
				return err
			}
			p.cfg.Metrics.ObserveUpload(size)
			mu.Lock()
			result.objects++
			result.bytes += size
			result.keys = append(result.keys, file.key)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return uploadResult{}, err
	}
	sort.Strings(result.keys)
	return result, nil
}

func (p *Pipeline) uploadFile(ctx context.Context, file artifact) (int64, error) {
	f, err := os.Open(file.path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", file.path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", file.path, err)
	}
	contentType := hls.ContentType(file.path)
	if err := p.cfg.Production.Put(ctx, file.key, contentType, f, info.Size()); err != nil {
		return 0, fmt.Errorf("put %s: %w", file.key, err)
	}
	return info.Size(), nil
}

func (p *Pipeline) record(ctx context.Context, logger *slog.Logger, j *job, result uploadResult) {
	renditions := make([]string, 0, len(p.cfg.Profiles))
	for _, profile := range p.cfg.Profiles {
		renditions = append(renditions, profile.Name)
	}
	pub := publication.Publication{
		JobID:       j.id,
		SourceKey:   j.key,
		BaseName:    j.base,
		MasterKey:   j.remoteKey(hls.MasterName),
		Renditions:  renditions,
		Objects:     result.objects,
		Bytes:       result.bytes,
		PublishedAt: p.cfg.Now().UTC(),
	}
	if err := p.cfg.Sink.Record(ctx, pub); err != nil {
		for _, name := range publication.FailedSinks(err) {
			p.cfg.Metrics.SinkFailed(name)
		}
		logger.Warn("publication sink failed", "error", err)
	}
}
