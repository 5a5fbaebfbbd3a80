package scrape

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-scraper/internal/browser"
	"github.com/JakeFAU/registry-scraper/internal/clock/system"
	"github.com/JakeFAU/registry-scraper/internal/id/uuid"
	"github.com/JakeFAU/registry-scraper/internal/logbus"
	"github.com/JakeFAU/registry-scraper/internal/metrics"
	"github.com/JakeFAU/registry-scraper/internal/publisher"
	"github.com/JakeFAU/registry-scraper/internal/rows"
	"github.com/JakeFAU/registry-scraper/internal/sentinel"
	"github.com/JakeFAU/registry-scraper/internal/storage/local"
	"github.com/JakeFAU/registry-scraper/internal/store"
)

const (
	defaultRowXPath       = `//tr[starts-with(@id, "R")]`
	defaultRowWaitTimeout = 10 * time.Second
	defaultFinishTimeout  = 10 * time.Second
	defaultTopic          = "scrape-runs"

	startedMessage = "Scraping started. Check the logs for updates."
	abortedMessage = "Operation aborted"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator names jobs.
type IDGenerator interface {
	NewID() (string, error)
}

// Folders creates job output folders below the artifact root.
type Folders interface {
	EnsureFolder(folder string) (string, error)
}

// Pacer delays row processing.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Gate reports whether the registry is in its maintenance window.
type Gate interface {
	Blocked() bool
	Message() string
}

// Config holds controller settings.
type Config struct {
	RowXPath       string
	RowWaitTimeout time.Duration
	// OutputRoot is the artifact root as shown in the completion message.
	OutputRoot string
	// Topic receives a Summary when a job ends. Defaults to "scrape-runs".
	Topic string
	// FinishTimeout bounds history and notification writes.
	FinishTimeout time.Duration
}

// Deps are the collaborators of a Controller. Sessions, Bus, Folders and
// Processor are required.
type Deps struct {
	Sessions  browser.Factory
	Bus       *logbus.Bus
	Sentinel  *sentinel.Sentinel
	Gate      Gate
	Folders   Folders
	Processor *rows.Processor
	Runs      store.RunRepository
	Publisher publisher.Publisher
	Pacer     Pacer
	IDs       IDGenerator
	Clock     Clock
	Logger    *zap.Logger
}

// Controller owns the single job slot. Start and Abort may be called from
// any goroutine; the session is driven only by the job goroutine, except for
// the out-of-band teardown performed by Abort.
type Controller struct {
	cfg       Config
	sessions  browser.Factory
	bus       *logbus.Bus
	sentinel  *sentinel.Sentinel
	gate      Gate
	folders   Folders
	processor *rows.Processor
	runs      store.RunRepository
	publisher publisher.Publisher
	pacer     Pacer
	ids       IDGenerator
	clock     Clock
	logger    *zap.Logger

	mu      sync.Mutex
	state   State
	current *job
	session browser.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wires a Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Sessions == nil:
		return nil, fmt.Errorf("browser factory is required")
	case deps.Bus == nil:
		return nil, fmt.Errorf("log bus is required")
	case deps.Folders == nil:
		return nil, fmt.Errorf("output folders are required")
	case deps.Processor == nil:
		return nil, fmt.Errorf("row processor is required")
	}
	if cfg.RowXPath == "" {
		cfg.RowXPath = defaultRowXPath
	}
	if cfg.RowWaitTimeout <= 0 {
		cfg.RowWaitTimeout = defaultRowWaitTimeout
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = defaultFinishTimeout
	}
	if cfg.Topic == "" {
		cfg.Topic = defaultTopic
	}
	if deps.Sentinel == nil {
		deps.Sentinel = sentinel.New(nil)
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{
		cfg:       cfg,
		sessions:  deps.Sessions,
		bus:       deps.Bus,
		sentinel:  deps.Sentinel,
		gate:      deps.Gate,
		folders:   deps.Folders,
		processor: deps.Processor,
		runs:      deps.Runs,
		publisher: deps.Publisher,
		pacer:     deps.Pacer,
		ids:       deps.IDs,
		clock:     deps.Clock,
		logger:    deps.Logger,
	}, nil
}

// Start admits spec and launches it in the background. Admission is checked
// in order: slot, maintenance window, input, output folder. A rejected start
// changes nothing.
func (c *Controller) Start(ctx context.Context, spec Spec) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Busy() {
		return Ack{}, ErrAlreadyRunning
	}
	if c.gate != nil && c.gate.Blocked() {
		return Ack{}, &maintenanceError{msg: c.gate.Message()}
	}
	spec = spec.Normalize()
	if err := spec.Validate(); err != nil {
		return Ack{}, err
	}
	dir, err := c.folders.EnsureFolder(spec.FolderName)
	if err != nil {
		if errors.Is(err, local.ErrPathTraversal) {
			return Ack{}, fmt.Errorf("%w: folder name %q escapes the output root", ErrInvalidSpec, spec.FolderName)
		}
		return Ack{}, fmt.Errorf("%w: %w", ErrOutputDir, err)
	}
	id, err := c.ids.NewID()
	if err != nil {
		return Ack{}, fmt.Errorf("assign job id: %w", err)
	}

	j := &job{id: id, spec: spec, dir: dir, startedAt: c.clock.Now()}
	// The job outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.state = StateRunning
	c.current = j
	c.cancel = cancel
	c.done = done

	c.bus.Reset()
	c.bus.Info("Artifacts will be saved to: %s", dir)
	metrics.IncActiveJobs()
	c.logger.Info("scrape job started",
		zap.String("job_id", id),
		zap.String("folder", spec.FolderName),
		zap.Int("tables", len(spec.TableURLs)),
	)

	go c.run(runCtx, j, done)
	return Ack{JobID: id, Message: startedMessage}, nil
}

// Abort cancels the running job and tears its browser down. It is safe to
// call at any time and always succeeds.
func (c *Controller) Abort() Ack {
	c.mu.Lock()
	jobID := ""
	if c.current != nil && c.state.Busy() {
		jobID = c.current.id
	}
	if c.state == StateRunning {
		c.state = StateAborting
	}
	if c.cancel != nil {
		c.cancel()
	}
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session != nil {
		if err := session.Teardown(); err != nil {
			c.bus.Error("Error closing browser: %v", err)
		} else {
			c.bus.Info("Browser closed due to abort request")
		}
	}
	c.logger.Info("abort requested", zap.String("job_id", jobID))
	return Ack{JobID: jobID, Message: abortedMessage}
}

// Status returns a snapshot of the slot and the most recent job.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{State: c.state}
	if j := c.current; j != nil {
		spec := j.spec
		started := j.startedAt
		snap.JobID = j.id
		snap.Job = &spec
		snap.Directory = j.dir
		snap.StartedAt = &started
		if !j.finishedAt.IsZero() {
			finished := j.finishedAt
			snap.FinishedAt = &finished
		}
		snap.Counters = j.counters
		snap.LastError = j.lastErr
	}
	return snap
}

// Wait blocks until the most recently started job has finished its cleanup.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job: %w", ctx.Err())
	}
}

// Shutdown aborts any running job and waits for it to release the slot.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	busy := c.state.Busy()
	c.mu.Unlock()
	if busy {
		c.Abort()
	}
	return c.Wait(ctx)
}

func (c *Controller) run(ctx context.Context, j *job, done chan struct{}) {
	defer close(done)

	var err error
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("scrape job panicked",
				zap.String("job_id", j.id),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("internal error: %v", r)
		}
		c.finish(j, err)
	}()

	c.recordStart(j)
	err = c.execute(ctx, j)
}

func (c *Controller) execute(ctx context.Context, j *job) error {
	session, err := c.sessions(ctx)
	if err != nil {
		return err
	}
	c.attach(session)
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := session.Open(ctx, j.spec.LoginURL); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	c.bus.Info("Opened login page")

	for tableIdx, tableURL := range j.spec.TableURLs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.scrapeTable(ctx, session, j, tableIdx, tableURL); err != nil {
			return err
		}
	}

	c.bus.Success("Scraping completed. Artifacts saved in '%s' folder.",
		filepath.ToSlash(filepath.Join(c.cfg.OutputRoot, j.spec.FolderName)))
	return nil
}

func (c *Controller) scrapeTable(ctx context.Context, session browser.Session, j *job, tableIdx int, tableURL string) error {
	c.bus.Info("Opening table URL %d", tableIdx+1)
	if err := session.OpenInNewTab(ctx, tableURL); err != nil {
		return fmt.Errorf("open table %d: %w", tableIdx+1, err)
	}

	found, err := session.FindRows(ctx, c.cfg.RowXPath, c.cfg.RowWaitTimeout)
	if errors.Is(err, browser.ErrElementTimeout) && ctx.Err() == nil {
		c.bus.Warn("Table %d took too long to load or has too much data. Skipping this table.", tableIdx+1)
		c.update(j, func(cnt *Counters) { cnt.TablesSkipped++ })
		metrics.ObserveTable(tableURL, "skipped")
		return c.leaveTable(ctx, session)
	}
	if err != nil {
		return fmt.Errorf("locate rows in table %d: %w", tableIdx+1, err)
	}
	c.bus.Info("Found %d rows in table %d", len(found), tableIdx+1)

	from, to := rows.RowRange(j.spec.StartIndex, j.spec.LastIndex, len(found))
	for rowIdx := from; rowIdx < to; rowIdx++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.scrapeRow(ctx, session, j, tableIdx, rowIdx); err != nil {
			return err
		}
	}

	c.update(j, func(cnt *Counters) { cnt.TablesDone++ })
	metrics.ObserveTable(tableURL, "done")
	return c.leaveTable(ctx, session)
}

func (c *Controller) scrapeRow(ctx context.Context, session browser.Session, j *job, tableIdx, rowIdx int) error {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	started := time.Now()
	c.bus.Info("Processing row %d", rowIdx+1)

	// Handles from the previous iteration are stale once a tab has closed.
	current, err := session.FindRows(ctx, c.cfg.RowXPath, c.cfg.RowWaitTimeout)
	if err != nil {
		return fmt.Errorf("locate row %d: %w", rowIdx+1, err)
	}
	if rowIdx >= len(current) {
		return fmt.Errorf("row %d is no longer present, table has %d rows", rowIdx+1, len(current))
	}
	el := current[rowIdx]
	if err := session.ClickElement(ctx, el); err != nil {
		return fmt.Errorf("click row %d: %w", rowIdx+1, err)
	}
	moved, err := session.FocusNewest(ctx)
	if err != nil {
		return fmt.Errorf("focus row %d: %w", rowIdx+1, err)
	}
	doc, err := session.CaptureDocument(ctx)
	if err != nil {
		return fmt.Errorf("capture row %d: %w", rowIdx+1, err)
	}

	if keyword, fatal := c.sentinel.Match(doc.HTML); fatal {
		metrics.ObserveSentinelMatch(keyword)
		metrics.ObserveRow("fatal", 0, time.Since(started))
		c.bus.Error("Unexpected content detected on row %d. Stopping automation.", rowIdx+1)
		return fmt.Errorf("%w on row %d: matched %q", ErrContentFatal, rowIdx+1, keyword)
	}

	res, err := c.processor.Process(ctx, session, el, j.spec.FolderName, tableIdx, rowIdx, doc)
	if err != nil {
		return err
	}
	outcome := "saved"
	if res.Fallback {
		outcome = "fallback"
	}
	c.update(j, func(cnt *Counters) {
		cnt.RowsSaved++
		if res.Fallback {
			cnt.RowsFallback++
		}
	})
	metrics.ObserveRow(outcome, res.Bytes, time.Since(started))

	if moved {
		if err := session.CloseCurrentTab(ctx); err != nil {
			return fmt.Errorf("close row %d tab: %w", rowIdx+1, err)
		}
		if err := session.SwitchTo(ctx, browser.TabLast); err != nil {
			return fmt.Errorf("return to table after row %d: %w", rowIdx+1, err)
		}
	}
	return nil
}

func (c *Controller) leaveTable(ctx context.Context, session browser.Session) error {
	if err := session.CloseCurrentTab(ctx); err != nil {
		return fmt.Errorf("close table tab: %w", err)
	}
	if err := session.SwitchTo(ctx, browser.TabFirst); err != nil {
		return fmt.Errorf("return to first tab: %w", err)
	}
	tabs := session.TabCount()
	if tabs != 1 {
		c.logger.Warn("tabs left open after table", zap.Int("tabs", tabs))
		return nil
	}
	c.logger.Debug("left table", zap.Int("tabs", tabs))
	return nil
}

// finish logs the terminal message, tears the session down and frees the
// slot. It runs for every job, including ones that panicked.
func (c *Controller) finish(j *job, err error) {
	c.mu.Lock()
	aborting := c.state == StateAborting
	c.mu.Unlock()

	var (
		state  State
		status store.RunStatus
	)
	switch {
	case err == nil:
		state, status = StateCompleted, store.RunCompleted
	case aborting:
		if !errors.Is(err, context.Canceled) {
			c.bus.Warn("Stopped after abort: %v", err)
		}
		c.bus.Info("Scraping aborted")
		state, status = StateIdle, store.RunAborted
	case errors.Is(err, ErrContentFatal):
		state, status = StateFailed, store.RunFailed
	default:
		c.bus.Error("Error: %v", err)
		state, status = StateFailed, store.RunFailed
	}

	c.closeSession()

	c.mu.Lock()
	j.finishedAt = c.clock.Now()
	if err != nil && status != store.RunAborted {
		j.lastErr = err.Error()
	}
	summary := newSummary(j, status)
	c.state = state
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	metrics.DecActiveJobs()
	metrics.ObserveJob(string(status))
	c.logger.Info("scrape job finished",
		zap.String("job_id", j.id),
		zap.String("status", string(status)),
		zap.Int("rows_saved", summary.RowsSaved),
		zap.Int("tables_skipped", summary.TablesSkipped),
		zap.Error(err),
	)

	c.recordFinish(summary)
	c.notify(summary)
}

func (c *Controller) attach(session browser.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

func (c *Controller) closeSession() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return
	}
	if err := session.Teardown(); err != nil {
		c.bus.Error("Error closing browser: %v", err)
		return
	}
	c.bus.Info("Browser closed")
}

func (c *Controller) update(j *job, fn func(*Counters)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&j.counters)
}

func (c *Controller) recordStart(j *job) {
	if c.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinishTimeout)
	defer cancel()
	run := store.Run{
		ID:        j.id,
		Folder:    j.spec.FolderName,
		Tables:    j.spec.TableURLs,
		StartedAt: j.startedAt,
		Status:    store.RunRunning,
	}
	if err := c.runs.RecordStart(ctx, run); err != nil {
		c.logger.Warn("record run start failed", zap.String("job_id", j.id), zap.Error(err))
	}
}

func (c *Controller) recordFinish(summary Summary) {
	if c.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinishTimeout)
	defer cancel()
	if err := c.runs.RecordFinish(ctx, summary.JobID, summary.outcome()); err != nil {
		c.logger.Warn("record run finish failed", zap.String("job_id", summary.JobID), zap.Error(err))
	}
}

func (c *Controller) notify(summary Summary) {
	if c.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinishTimeout)
	defer cancel()
	msgID, err := c.publisher.Publish(ctx, c.cfg.Topic, summary)
	if err != nil {
		c.logger.Warn("publish job summary failed", zap.String("job_id", summary.JobID), zap.Error(err))
		return
	}
	c.logger.Debug("job summary published", zap.String("job_id", summary.JobID), zap.String("message_id", msgID))
}
