package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/songqueue/songapi/internal/storage"
)

// URLInput describes a job for a song hosted at a remote URL.
type URLInput struct {
	URL  string
	Args ProcessingArgs
}

// FileInput describes a job for an uploaded song file.
type FileInput struct {
	// Filename is the client-supplied name of the upload.
	Filename string
	// Data is the audio content.
	Data io.Reader
	Args ProcessingArgs
}

// Service accepts song processing jobs and answers status queries.
//
// A submission mints an ID, registers it in the existence cache, stores
// the job record and then dispatches it. Every stored record therefore has
// a cache entry, and a failed step rolls back the ones before it.
// Records whose cache entry has expired are dropped by Sweep.
type Service struct {
	repo       Repository
	cache      Cache
	dispatcher Dispatcher
	store      storage.Storage
	logger     *slog.Logger
	pushToS3   bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithS3Upload makes file submissions also push the upload to S3.
func WithS3Upload(enabled bool) ServiceOption {
	return func(s *Service) {
		s.pushToS3 = enabled
	}
}

// NewService creates a new Service.
func NewService(
	repo Repository,
	cache Cache,
	dispatcher Dispatcher,
	store storage.Storage,
	logger *slog.Logger,
	opts ...ServiceOption,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:       repo,
		cache:      cache,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitURL creates a job for a remote song.
func (s *Service) SubmitURL(ctx context.Context, input URLInput) (*Job, error) {
	job := New(Source{Kind: SourceURL, URL: input.URL}, input.Args)
	if err := s.submit(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// SubmitFile stores the uploaded song and creates a job for it.
func (s *Service) SubmitFile(ctx context.Context, input FileInput) (*Job, error) {
	job := New(Source{Kind: SourceFile, Filename: input.Filename}, input.Args)

	path, err := s.store.SaveTemp(ctx, "upload_"+job.ID+".mp3", input.Data)
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	job.Source.Path = path

	if s.pushToS3 {
		url, err := s.uploadToS3(ctx, job.ID, path)
		if err != nil {
			s.cleanup(ctx, job.ID, path)
			return nil, err
		}
		job.Source.URL = url
	}

	if err := s.submit(ctx, job); err != nil {
		s.cleanup(ctx, job.ID, path)
		return nil, err
	}
	return job, nil
}

func (s *Service) submit(ctx context.Context, job *Job) error {
	s.logger.Info("started job",
		slog.String("job_id", job.ID),
		slog.String("source", string(job.Source.Kind)),
		slog.Int("effects", len(job.Args.Effects)),
	)

	if err := s.cache.Insert(ctx, job.ID); err != nil {
		return fmt.Errorf("register job: %w", err)
	}

	if err := s.repo.Save(ctx, job); err != nil {
		s.unregister(ctx, job.ID)
		return fmt.Errorf("save job: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		s.logger.Error("failed to dispatch job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		_ = s.repo.Delete(ctx, job.ID)
		s.unregister(ctx, job.ID)
		return fmt.Errorf("dispatch job: %w", err)
	}
	return nil
}

// unregister rolls back the cache entry of a failed submission.
func (s *Service) unregister(ctx context.Context, id string) {
	if err := s.cache.Remove(ctx, id); err != nil {
		s.logger.Warn("failed to unregister job",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Status returns the job with the given ID.
// It returns ErrJobNotFound once the ID is unknown to the cache or has expired.
func (s *Service) Status(ctx context.Context, id string) (*Job, error) {
	ok, err := s.cache.Exists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup job: %w", err)
	}
	if !ok {
		s.forget(ctx, id)
		return nil, ErrJobNotFound
	}

	job, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// Known through a shared cache but submitted to another replica.
		return NewWithID(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// Advance moves a stored job to status, enforcing the transition rules.
func (s *Service) Advance(ctx context.Context, id string, status Status) (*Job, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := job.GetStatus()
	if err := job.TransitionTo(status); err != nil {
		return nil, fmt.Errorf("%w: %s -> %s", err, from, status)
	}
	if err := s.repo.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}

	s.logger.Info("job status changed",
		slog.String("job_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(status)),
	)
	return job, nil
}

// Sweep drops every stored job whose ID the cache no longer reports,
// along with its uploaded file, and returns how many were dropped.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	jobs, err := s.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	dropped := 0
	for _, job := range jobs {
		ok, err := s.cache.Exists(ctx, job.ID)
		if err != nil {
			return dropped, fmt.Errorf("lookup job: %w", err)
		}
		if !ok {
			s.drop(ctx, job)
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Info("swept expired jobs", slog.Int("count", dropped))
	}
	return dropped, nil
}

// StartSweeper runs Sweep every interval until ctx is done.
// The returned channel is closed once the sweeper has stopped.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.Warn("job sweep failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return done
}

// forget drops the record of an evicted job along with its uploaded file.
func (s *Service) forget(ctx context.Context, id string) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return
	}
	s.drop(ctx, job)
}

func (s *Service) drop(ctx context.Context, job *Job) {
	if job.Source.Path != "" {
		s.cleanup(ctx, job.ID, job.Source.Path)
	}
	_ = s.repo.Delete(ctx, job.ID)
	s.logger.Debug("dropped expired job", slog.String("job_id", job.ID))
}

func (s *Service) uploadToS3(ctx context.Context, jobID, path string) (string, error) {
	r, err := s.store.LoadTemp(ctx, path)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = r.Close() }()

	url, err := s.store.UploadToS3(ctx, "uploads/"+jobID+".mp3", r)
	if err != nil {
		return "", fmt.Errorf("push upload: %w", err)
	}
	return url, nil
}

func (s *Service) cleanup(ctx context.Context, jobID, path string) {
	if err := s.store.CleanupTemp(ctx, []string{path}); err != nil {
		s.logger.Warn("failed to remove upload",
			slog.String("job_id", jobID),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
