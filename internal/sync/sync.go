package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chmdznr/violsync/pkg/models"
	"github.com/chmdznr/violsync/pkg/utils"
)

// ErrPassInProgress is returned by Sync when another pass is already running.
// The trigger is coalesced into the running pass.
var ErrPassInProgress = errors.New("sync pass already in progress")

// State is the engine state
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Store is the part of the record store the engine needs
type Store interface {
	QueryPending(ctx context.Context) ([]models.Violation, error)
	SetRemoteImageRef(ctx context.Context, id int64, ref string) error
	MarkSynced(ctx context.Context, id int64, ref string) error
}

// PassLease is implemented by stores that several processes may sync at once.
// When the store implements it, a pass runs only while holding the lease.
type PassLease interface {
	AcquirePassLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleasePassLease(ctx context.Context, owner string) error
}

// Uploader pushes a local photo to the blob host
type Uploader interface {
	Upload(ctx context.Context, localImageRef string) (string, error)
}

// Submitter sends a violation to the remote record service
type Submitter interface {
	Submit(ctx context.Context, v models.Violation) error
}

// Syncer uploads pending violations. At most one pass runs at a time.
type Syncer struct {
	store     Store
	uploader  Uploader
	submitter Submitter
	logger    *zap.Logger

	numWorkers   int
	followUp     bool
	showProgress bool

	lease    PassLease
	owner    string
	leaseTTL time.Duration

	mu      sync.Mutex
	running bool
	rerun   bool
	held    *heldLease

	wg sync.WaitGroup
}

// SyncerConfig holds configuration for the syncer
type SyncerConfig struct {
	// NumWorkers bounds how many records are processed in parallel
	NumWorkers int
	// FollowUp runs exactly one more pass when a trigger arrived during a pass
	FollowUp bool
	// ShowProgress renders a progress bar on stderr
	ShowProgress bool
	// LeaseTTL bounds how long a crashed process blocks other passes.
	// The lease is renewed while a pass runs.
	LeaseTTL time.Duration
}

// DefaultSyncerConfig returns default syncer configuration
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		NumWorkers: 1,
		FollowUp:   true,
		LeaseTTL:   5 * time.Minute,
	}
}

// NewSyncer creates a new syncer instance
func NewSyncer(store Store, uploader Uploader, submitter Submitter, logger *zap.Logger, config *SyncerConfig) (*Syncer, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if uploader == nil {
		return nil, fmt.Errorf("uploader cannot be nil")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	if config == nil {
		defaultConfig := DefaultSyncerConfig()
		config = &defaultConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	numWorkers := config.NumWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	leaseTTL := config.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultSyncerConfig().LeaseTTL
	}

	s := &Syncer{
		store:        store,
		uploader:     uploader,
		submitter:    submitter,
		logger:       logger.Named("sync"),
		numWorkers:   numWorkers,
		followUp:     config.FollowUp,
		showProgress: config.ShowProgress,
		owner:        uuid.NewString(),
		leaseTTL:     leaseTTL,
	}
	if lease, ok := store.(PassLease); ok {
		s.lease = lease
	}
	return s, nil
}

// State reports whether a pass is currently running
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return Running
	}
	return Idle
}

// Sync runs a sync pass over a snapshot of the pending violations.
//
// If a pass is already running it returns ErrPassInProgress immediately; with
// FollowUp enabled the running pass then performs one more pass when it
// finishes, picking up violations captured in the meantime.
// ErrPassInProgress is also returned when another process holds the
// store's pass lease.
//
// Per-record failures never fail the pass. An error is returned only when
// the lease or the pending snapshot cannot be read.
func (s *Syncer) Sync(ctx context.Context) (*models.PassResult, error) {
	if !s.acquire() {
		return nil, ErrPassInProgress
	}

	passCtx, err := s.startLease(ctx)
	if err != nil {
		s.release()
		return nil, err
	}

	total := &models.PassResult{}
	for {
		result, err := s.runPass(passCtx)
		total.Add(result)
		if err != nil {
			s.release()
			return total, err
		}
		if !s.again(passCtx) {
			return total, nil
		}
		s.logger.Info("Running follow-up sync pass")
	}
}

// Trigger starts a pass in the background. Triggers arriving while a pass
// runs are coalesced.
func (s *Syncer) Trigger(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.Sync(ctx)
		switch {
		case errors.Is(err, ErrPassInProgress):
			s.logger.Debug("Sync trigger coalesced into running pass")
		case err != nil:
			s.logger.Error("Sync pass aborted", zap.Error(err))
		}
	}()
}

// Wait blocks until all triggered passes have finished
func (s *Syncer) Wait() {
	s.wg.Wait()
}

func (s *Syncer) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.rerun = true
		return false
	}
	s.running = true
	s.rerun = false
	return true
}

// again reports whether a follow-up pass should run, releasing the gate when not.
func (s *Syncer) again(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.followUp && s.rerun && ctx.Err() == nil {
		s.rerun = false
		return true
	}
	s.endLease()
	s.running = false
	s.rerun = false
	return false
}

func (s *Syncer) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLease()
	s.running = false
	s.rerun = false
}

type heldLease struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startLease takes the store's pass lease and keeps it renewed until
// endLease. The returned context is cancelled if the lease is lost.
func (s *Syncer) startLease(ctx context.Context) (context.Context, error) {
	if s.lease == nil {
		return ctx, nil
	}
	ok, err := s.lease.AcquirePassLease(ctx, s.owner, s.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire pass lease: %w", err)
	}
	if !ok {
		s.logger.Debug("Sync pass held by another process")
		return nil, ErrPassInProgress
	}

	passCtx, cancel := context.WithCancel(ctx)
	held := &heldLease{cancel: cancel, done: make(chan struct{})}
	go s.renewLease(passCtx, held)

	s.mu.Lock()
	s.held = held
	s.mu.Unlock()
	return passCtx, nil
}

func (s *Syncer) renewLease(ctx context.Context, held *heldLease) {
	defer close(held.done)
	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.lease.AcquirePassLease(ctx, s.owner, s.leaseTTL)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Warn("Failed to renew pass lease", zap.Error(err))
				continue
			}
			if !ok {
				s.logger.Error("Pass lease taken over by another process, stopping pass")
				held.cancel()
				return
			}
		}
	}
}

// endLease stops renewal and frees the lease. Callers hold s.mu.
func (s *Syncer) endLease() {
	if s.held == nil {
		return
	}
	s.held.cancel()
	<-s.held.done
	s.held = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.lease.ReleasePassLease(ctx, s.owner); err != nil {
		s.logger.Warn("Failed to release pass lease", zap.Error(err))
	}
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeUploadFailed
	outcomeSubmitFailed
	outcomeStoreFailed
)

type recordResult struct {
	outcome  outcome
	uploaded bool
	reused   bool
}

func (s *Syncer) runPass(ctx context.Context) (models.PassResult, error) {
	start := time.Now()

	records, err := s.store.QueryPending(ctx)
	if err != nil {
		return models.PassResult{}, fmt.Errorf("snapshot pending violations: %w", err)
	}
	if len(records) == 0 {
		s.logger.Debug("No pending violations")
		return models.PassResult{Duration: time.Since(start)}, nil
	}

	var withRemote int
	for _, v := range records {
		if v.HasRemoteImage() {
			withRemote++
		}
	}
	s.logger.Info("Starting sync pass",
		zap.Int("pending", len(records)),
		zap.Int("already_uploaded", withRemote),
	)

	workers := s.numWorkers
	if workers > len(records) {
		workers = len(records)
	}

	progress := newPassProgress(len(records), s.showProgress)
	progress.start()

	jobs := make(chan models.Violation)
	results := make(chan recordResult, len(records))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := range jobs {
				results <- s.processRecord(ctx, v)
				progress.increment()
			}
		}()
	}

	// Records are dispatched in snapshot order.
dispatch:
	for _, v := range records {
		select {
		case jobs <- v:
		case <-ctx.Done():
			s.logger.Warn("Sync pass interrupted, remaining violations stay pending", zap.Error(ctx.Err()))
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
	close(results)
	progress.finish()

	result := models.PassResult{}
	for r := range results {
		result.Attempted++
		if r.uploaded {
			result.Uploaded++
		}
		if r.reused {
			result.ReusedUploads++
		}
		switch r.outcome {
		case outcomeSynced:
			result.Synced++
		case outcomeUploadFailed:
			result.UploadFailures++
		case outcomeSubmitFailed:
			result.SubmitFailures++
		case outcomeStoreFailed:
			result.StoreFailures++
		}
	}
	result.Duration = time.Since(start)

	s.logger.Info("Sync pass completed",
		zap.Int("attempted", result.Attempted),
		zap.Int("synced", result.Synced),
		zap.Int("uploaded", result.Uploaded),
		zap.Int("reused_uploads", result.ReusedUploads),
		zap.Int("upload_failures", result.UploadFailures),
		zap.Int("submit_failures", result.SubmitFailures),
		zap.Int("store_failures", result.StoreFailures),
		zap.String("elapsed", utils.FormatDuration(result.Duration)),
	)
	return result, nil
}

// processRecord runs upload, persist reference, submit and mark for a single
// violation. Every failure leaves the violation pending for the next pass.
func (s *Syncer) processRecord(ctx context.Context, v models.Violation) recordResult {
	log := s.logger.With(zap.Int64("violation_id", v.ID))
	var res recordResult

	ref := v.RemoteImageRef
	if ref != "" {
		res.reused = true
		log.Debug("Photo already uploaded, resuming at submit", zap.String("remote_image_ref", ref))
	} else {
		uploaded, err := s.uploader.Upload(ctx, v.LocalImageRef)
		if err == nil && uploaded == "" {
			err = &models.UploadError{Ref: v.LocalImageRef, Err: errors.New("empty remote reference")}
		}
		if err != nil {
			fields := []zap.Field{zap.String("local_image_ref", v.LocalImageRef), zap.Error(err)}
			if errors.Is(err, os.ErrNotExist) {
				log.Warn("Local photo is missing, violation stays pending", fields...)
			} else {
				log.Warn("Photo upload failed, violation stays pending", fields...)
			}
			res.outcome = outcomeUploadFailed
			return res
		}
		res.uploaded = true

		// Persist before submitting so a crash from here on never re-uploads.
		if err := s.store.SetRemoteImageRef(ctx, v.ID, uploaded); err != nil {
			s.logStoreError(log, "Failed to persist remote image reference", err)
			res.outcome = outcomeStoreFailed
			return res
		}
		ref = uploaded
		v.RemoteImageRef = uploaded
	}

	if err := s.submitter.Submit(ctx, v); err != nil {
		log.Warn("Violation submit failed, violation stays pending",
			zap.String("remote_image_ref", ref),
			zap.Error(err),
		)
		res.outcome = outcomeSubmitFailed
		return res
	}

	if err := s.store.MarkSynced(ctx, v.ID, ref); err != nil {
		s.logStoreError(log, "Failed to mark violation synced", err)
		res.outcome = outcomeStoreFailed
		return res
	}

	log.Info("Violation synced", zap.String("remote_image_ref", ref))
	res.outcome = outcomeSynced
	return res
}

func (s *Syncer) logStoreError(log *zap.Logger, msg string, err error) {
	if errors.Is(err, models.ErrNotFound) {
		// The record was removed while the pass held it: an integrity problem.
		log.Error(msg+": violation no longer exists", zap.Error(err))
		return
	}
	log.Warn(msg, zap.Error(err))
}

// passProgress renders a progress bar for one pass when enabled
type passProgress struct {
	bar *pb.ProgressBar
}

func newPassProgress(total int, enabled bool) *passProgress {
	if !enabled {
		return &passProgress{}
	}
	bar := pb.New(total)
	bar.SetWriter(os.Stderr)
	bar.SetTemplate(`Sync {{counters . }} {{bar . }} {{percent . }} {{etime . }}`)
	return &passProgress{bar: bar}
}

func (p *passProgress) start() {
	if p.bar != nil {
		p.bar.Start()
	}
}

func (p *passProgress) increment() {
	if p.bar != nil {
		p.bar.Increment()
	}
}

func (p *passProgress) finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}
