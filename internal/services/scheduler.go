package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	ErrSchedulerRunning    = errors.New("scheduler already running")
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
	ErrJobRunning          = errors.New("a clone job is already running")
)

const statusTimeLayout = "2006-01-02 15:04:05"

// Downloader refreshes the dump files.
type Downloader interface {
	DumpAll(ctx context.Context) (*DumpSummary, error)
}

// Restorer reloads the target database from the dump files.
type Restorer interface {
	Run(ctx context.Context) (*RestoreReport, error)
}

// CloneRun is one execution of the clone job.
type CloneRun struct {
	ID         string         `json:"id"`
	Trigger    string         `json:"trigger"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Download   *DumpSummary   `json:"download,omitempty"`
	Restore    *RestoreReport `json:"restore,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type SchedulerStatus struct {
	IsRunning    bool      `json:"isRunning"`
	JobRunning   bool      `json:"jobRunning"`
	CronSchedule string    `json:"cronSchedule"`
	Download     bool      `json:"download"`
	LastRun      string    `json:"lastRun,omitempty"`
	NextRun      string    `json:"nextRun,omitempty"`
	LastResult   *CloneRun `json:"lastResult,omitempty"`
}

// Scheduler runs the clone job (optional download, then restore) on a cron
// schedule or on demand. Only one job runs at a time.
type Scheduler struct {
	downloader Downloader
	restorer   Restorer
	logger     *zap.Logger

	mutex        sync.RWMutex
	cron         *cron.Cron
	entryID      cron.EntryID
	cronSchedule string
	download     bool
	isRunning    bool
	jobRunning   bool
	lastRunTime  time.Time
	lastRun      *CloneRun
}

func NewScheduler(downloader Downloader, restorer Restorer, cronSchedule string, download bool, logger *zap.Logger) *Scheduler {
	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		downloader:   downloader,
		restorer:     restorer,
		logger:       logger,
		cron:         cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		cronSchedule: cronSchedule,
		download:     download,
	}
}

// Start registers the clone job with the cron scheduler.
func (s *Scheduler) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return ErrSchedulerRunning
	}

	entryID, err := s.cron.AddFunc(s.cronSchedule, s.scheduledRun)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	s.logger.Info("Scheduler started",
		zap.String("schedule", s.cronSchedule),
		zap.String("next_run", s.nextRunLocked()))
	return nil
}

// Stop removes the job and waits for a running job to finish.
func (s *Scheduler) Stop() error {
	s.mutex.Lock()
	if !s.isRunning {
		s.mutex.Unlock()
		return ErrSchedulerNotRunning
	}
	s.cron.Remove(s.entryID)
	ctx := s.cron.Stop()
	s.isRunning = false
	s.mutex.Unlock()

	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) scheduledRun() {
	if _, err := s.RunNow(context.Background(), "cron"); err != nil && !errors.Is(err, ErrJobRunning) {
		s.logger.Error("Scheduled clone failed", zap.Error(err))
	}
}

// RunNow executes the clone job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, trigger string) (*CloneRun, error) {
	s.mutex.Lock()
	if s.jobRunning {
		s.mutex.Unlock()
		return nil, ErrJobRunning
	}
	s.jobRunning = true
	s.lastRunTime = time.Now()
	download := s.download
	s.mutex.Unlock()

	run := &CloneRun{ID: ulid.Make().String(), Trigger: trigger, StartedAt: time.Now()}
	log := s.logger.With(zap.String("job_id", run.ID), zap.String("trigger", trigger))
	log.Info("Clone job started", zap.Bool("download", download))

	err := s.execute(ctx, run, download)
	run.FinishedAt = time.Now()
	if err != nil {
		run.Error = err.Error()
		log.Error("Clone job failed", zap.Error(err))
	} else {
		log.Info("Clone job finished", zap.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)))
	}

	s.mutex.Lock()
	s.jobRunning = false
	s.lastRun = run
	s.mutex.Unlock()
	return run, err
}

func (s *Scheduler) execute(ctx context.Context, run *CloneRun, download bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("clone job panicked: %v", r)
		}
	}()

	if download && s.downloader != nil {
		summary, err := s.downloader.DumpAll(ctx)
		run.Download = summary
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
	}
	report, err := s.restorer.Run(ctx)
	run.Restore = report
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.isRunning
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	status := SchedulerStatus{
		IsRunning:    s.isRunning,
		JobRunning:   s.jobRunning,
		CronSchedule: s.cronSchedule,
		Download:     s.download,
		LastResult:   s.lastRun,
	}
	if !s.lastRunTime.IsZero() {
		status.LastRun = s.lastRunTime.Format(statusTimeLayout)
	}
	if s.isRunning {
		status.NextRun = s.nextRunLocked()
	}
	return status
}

// UpdateSchedule changes the cron expression and download flag. A running
// scheduler picks up the new expression immediately.
func (s *Scheduler) UpdateSchedule(cronSchedule string, download *bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if download != nil {
		s.download = *download
	}
	if cronSchedule == "" || cronSchedule == s.cronSchedule {
		return nil
	}
	if _, err := cron.ParseStandard(cronSchedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", cronSchedule, err)
	}

	if s.isRunning {
		s.cron.Remove(s.entryID)
		entryID, err := s.cron.AddFunc(cronSchedule, s.scheduledRun)
		if err != nil {
			return fmt.Errorf("failed to add cron job: %w", err)
		}
		s.entryID = entryID
	}
	s.cronSchedule = cronSchedule

	s.logger.Info("Schedule updated", zap.String("schedule", s.cronSchedule), zap.Bool("download", s.download))
	return nil
}

// cronLogger routes cron's own logging to zap. Scheduling chatter goes to debug.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

func (s *Scheduler) nextRunLocked() string {
	entry := s.cron.Entry(s.entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return ""
	}
	return entry.Next.Format(statusTimeLayout)
}
