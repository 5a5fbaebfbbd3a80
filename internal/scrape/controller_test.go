package scrape

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/registry-scraper/internal/browser"
	"github.com/JakeFAU/registry-scraper/internal/logbus"
	pubmemory "github.com/JakeFAU/registry-scraper/internal/publisher/memory"
	"github.com/JakeFAU/registry-scraper/internal/rows"
	"github.com/JakeFAU/registry-scraper/internal/sentinel"
	"github.com/JakeFAU/registry-scraper/internal/storage/local"
	"github.com/JakeFAU/registry-scraper/internal/store"
	runmemory "github.com/JakeFAU/registry-scraper/internal/store/memory"
)

const (
	loginURL = "https://registry.example.gov/login"
	tableOne = "https://registry.example.gov/table?id=1"
	tableTwo = "https://registry.example.gov/table?id=2"
)

type stubGate struct {
	mu      sync.Mutex
	blocked bool
}

func (g *stubGate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

func (g *stubGate) Message() string {
	return "Website under maintenance. Please try again after 00:31 Asia/Kolkata."
}

func (g *stubGate) set(blocked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked = blocked
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type harness struct {
	ctrl      *Controller
	bus       *logbus.Bus
	root      string
	gate      *stubGate
	runs      *runmemory.RunStore
	publisher *pubmemory.Publisher
	factory   *countingFactory
}

type countingFactory struct {
	mu      sync.Mutex
	session *fakeSession
	err     error
	calls   int
}

func (f *countingFactory) build(context.Context) (browser.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *countingFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harnessOption func(*Config, *Deps)

func newHarness(t *testing.T, session *fakeSession, opts ...harnessOption) *harness {
	t.Helper()

	root := t.TempDir()
	artifacts, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	bus := logbus.New(logbus.Config{})
	proc, err := rows.NewProcessor(artifacts, bus, nil)
	require.NoError(t, err)

	h := &harness{
		bus:       bus,
		root:      root,
		gate:      &stubGate{},
		runs:      runmemory.NewRunStore(),
		publisher: pubmemory.New(),
		factory:   &countingFactory{session: session},
	}
	cfg := Config{OutputRoot: "pdf_output", Topic: "scrape-runs"}
	deps := Deps{
		Sessions:  h.factory.build,
		Bus:       bus,
		Sentinel:  sentinel.New(nil),
		Gate:      h.gate,
		Folders:   artifacts,
		Processor: proc,
		Runs:      h.runs,
		Publisher: h.publisher,
		IDs:       &seqIDs{},
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	h.ctrl, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Wait(ctx))
}

func (h *harness) messages() []string {
	var out []string
	for _, e := range h.bus.History() {
		out = append(out, e.String())
	}
	return out
}

func (h *harness) count(level logbus.Level) int {
	n := 0
	for _, e := range h.bus.History() {
		if e.Level == level {
			n++
		}
	}
	return n
}

func validSpec(tables ...string) Spec {
	return Spec{LoginURL: loginURL, TableURLs: tables, FolderName: "batch"}
}

func intPtr(v int) *int {
	return &v
}

func twoRowTable() fakeTable {
	return fakeTable{rows: []string{
		rowHTML("W1", "P1", "Goa"),
		rowHTML("W2", "P2", "Pune"),
	}}
}

func TestStartRunsEveryTableAndRow(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakeTable{
		tableOne: twoRowTable(),
		tableTwo: {rows: []string{rowHTML("W3", "P3", "Thane")}},
	})
	h := newHarness(t, session)

	ack, err := h.ctrl.Start(context.Background(), validSpec(tableOne, tableTwo))
	require.NoError(t, err)
	require.Equal(t, "job-1", ack.JobID)
	require.Equal(t, "Scraping started. Check the logs for updates.", ack.Message)
	h.wait(t)

	snap := h.ctrl.Status()
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, Counters{TablesDone: 2, RowsSaved: 3}, snap.Counters)
	require.NotNil(t, snap.FinishedAt)

	for _, name := range []string{"W1_P1_Goa.pdf", "W2_P2_Pune.pdf", "W3_P3_Thane.pdf"} {
		_, err := os.Stat(filepath.Join(h.root, "batch", name))
		require.NoError(t, err, name)
	}

	want := []string{
		"Artifacts will be saved to: " + filepath.Join(h.root, "batch"),
		"Opened login page",
		"Opening table URL 1",
		"Found 2 rows in table 1",
		"Processing row 1",
		"Saved: W1_P1_Goa.pdf",
		"Processing row 2",
		"Saved: W2_P2_Pune.pdf",
		"Opening table URL 2",
		"Found 1 rows in table 2",
		"Processing row 1",
		"Saved: W3_P3_Thane.pdf",
		"Scraping completed. Artifacts saved in 'pdf_output/batch' folder.",
		"Browser closed",
	}
	require.Equal(t, want, h.messages())
	require.Equal(t, 1, session.Teardowns())
	require.Equal(t, 1, session.TabCount())

	run, err := h.runs.GetRun(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, run.Status)
	require.Equal(t, 3, run.RowsSaved)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "scrape-runs", msgs[0].Topic)
	require.Equal(t, "completed", msgs[0].Attributes["status"])
	require.Contains(t, string(msgs[0].Data), `"rowsSaved":3`)
}

func TestSummaryPublishedOnDefaultTopic(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakeTable{tableOne: twoRowTable()})
	h := newHarness(t, session, func(cfg *Config, _ *Deps) { cfg.Topic = "" })

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	h.wait(t)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "scrape-runs", msgs[0].Topic)
	require.Equal(t, "completed", msgs[0].Attributes["status"])
}

func TestLeavingTableLogsTabCount(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	session := newFakeSession(map[string]fakeTable{
		tableOne: twoRowTable(),
		tableTwo: {rows: []string{rowHTML("W3", "P3", "Thane")}},
	})
	h := newHarness(t, session, func(_ *Config, deps *Deps) { deps.Logger = zap.New(core) })

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne, tableTwo))
	require.NoError(t, err)
	h.wait(t)

	left := logs.FilterMessage("left table").All()
	require.Len(t, left, 2)
	for _, entry := range left {
		assert.Equal(t, int64(1), entry.ContextMap()["tabs"])
	}
	assert.Zero(t, logs.FilterMessage("tabs left open after table").Len())
}

func TestStartRelocatesRowsBeforeEveryClick(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakeTable{tableOne: twoRowTable()})
	h := newHarness(t, session)

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	h.wait(t)

	want := []string{
		"open " + loginURL,
		"table " + tableOne,
		"find",
		"find", "click 1", "focus", "capture", "close", "switch last",
		"find", "click 2", "focus", "capture", "close", "switch last",
		"close", "switch first",
	}
	require.Equal(t, want, session.Calls())
}

func TestStartKeepsTableTabWhenRecordOpensInPlace(t *testing.T) {
	t.Parallel()

	table := twoRowTable()
	table.sameTab = true
	session := newFakeSession(map[string]fakeTable{tableOne: table})
	h := newHarness(t, session)

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	h.wait(t)

	calls := session.Calls()
	require.NotContains(t, calls, "switch last")
	require.Equal(t, []string{"close", "switch first"}, calls[len(calls)-2:])
	require.Equal(t, StateCompleted, h.ctrl.Status().State)
}

func TestStartAppliesRowRange(t *testing.T) {
	t.Parallel()

	table := fakeTable{}
	for i := 1; i <= 5; i++ {
		table.rows = append(table.rows, rowHTML(fmt.Sprintf("W%d", i), "P", "D"))
	}
	session := newFakeSession(map[string]fakeTable{tableOne: table})
	h := newHarness(t, session)

	spec := validSpec(tableOne)
	spec.StartIndex = intPtr(2)
	spec.LastIndex = intPtr(3)
	_, err := h.ctrl.Start(context.Background(), spec)
	require.NoError(t, err)
	h.wait(t)

	var processed []string
	for _, msg := range h.messages() {
		if strings.HasPrefix(msg, "Processing row") {
			processed = append(processed, msg)
		}
	}
	require.Equal(t, []string{"Processing row 2", "Processing row 3"}, processed)
	require.Equal(t, 2, h.ctrl.Status().Counters.RowsSaved)
}

func TestStartLastIndexBeyondRowCount(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakeTable{tableOne: twoRowTable()})
	h := newHarness(t, session)

	spec := validSpec(tableOne)
	spec.LastIndex = intPtr(50)
	_, err := h.ctrl.Start(context.Background(), spec)
	require.NoError(t, err)
	h.wait(t)
	require.Equal(t, 2, h.ctrl.Status().Counters.RowsSaved)
}

func TestStartAdmission(t *testing.T) {
	t.Parallel()

	t.Run("maintenance window", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, newFakeSession(nil))
		h.gate.set(true)

		_, err := h.ctrl.Start(context.Background(), Spec{})
		require.ErrorIs(t, err, ErrMaintenanceWindow)
		require.Contains(t, err.Error(), "00:31 Asia/Kolkata")
		assertUntouched(t, h)
	})

	t.Run("missing input", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, newFakeSession(nil))

		for _, spec := range []Spec{
			{TableURLs: []string{tableOne}, FolderName: "batch"},
			{LoginURL: loginURL, FolderName: "batch"},
			{LoginURL: loginURL, TableURLs: []string{tableOne}, FolderName: "   "},
		} {
			_, err := h.ctrl.Start(context.Background(), spec)
			require.ErrorIs(t, err, ErrMissingInput)
			require.ErrorIs(t, err, ErrInvalidSpec)
		}
		assertUntouched(t, h)
	})

	t.Run("folder escapes root", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, newFakeSession(nil))

		spec := validSpec(tableOne)
		spec.FolderName = "../escape"
		_, err := h.ctrl.Start(context.Background(), spec)
		require.ErrorIs(t, err, ErrInvalidSpec)
		require.NotErrorIs(t, err, ErrMissingInput)
		assertUntouched(t, h)
	})

	t.Run("output folder cannot be created", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, newFakeSession(nil))
		require.NoError(t, os.WriteFile(filepath.Join(h.root, "taken"), []byte("file"), 0o600))

		spec := validSpec(tableOne)
		spec.FolderName = "taken"
		_, err := h.ctrl.Start(context.Background(), spec)
		require.ErrorIs(t, err, ErrOutputDir)
		assertUntouched(t, h)
	})
}

func assertUntouched(t *testing.T, h *harness) {
	t.Helper()
	require.Equal(t, StateIdle, h.ctrl.Status().State)
	require.Empty(t, h.bus.History())
	require.Zero(t, h.factory.Calls())
	runs, err := h.runs.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestStartRejectsWhileRunningThenAbort(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakeTable{tableOne: twoRowTable()})
	clicked := make(chan struct{}, 1)
	session.onClick = func(ctx context.Context, _ int) error {
		select {
		case clicked <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t, session)

	first, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	<-clicked
	require.Equal(t, StateRunning, h.ctrl.Status().State)

	// The slot is checked before the maintenance window.
	h.gate.set(true)
	_, err = h.ctrl.Start(context.Background(), validSpec(tableTwo))
	require.ErrorIs(t, err, ErrAlreadyRunning)
	h.gate.set(false)

	ack := h.ctrl.Abort()
	require.Equal(t, first.JobID, ack.JobID)
	require.Equal(t, "Operation aborted", ack.Message)
	h.wait(t)

	require.Equal(t, StateIdle, h.ctrl.Status().State)
	msgs := h.messages()
	require.Contains(t, msgs, "Browser closed due to abort request")
	require.Equal(t, "Scraping aborted", msgs[len(msgs)-1])
	require.NotContains(t, msgs, "Browser closed")
	require.Zero(t, h.count(logbus.LevelError))
	require.Zero(t, h.count(logbus.LevelWarning))
	require.Equal(t, 1, session.Teardowns())

	run, err := h.runs.GetRun(context.Background(), first.JobID)
	require.NoError(t, err)
	require.Equal(t, store.RunAborted, run.Status)
}

func TestAbortWhenIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSession(nil))
	for i := 0; i < 2; i++ {
		ack := h.ctrl.Abort()
		require.Equal(t, "Operation aborted", ack.Message)
		require.Empty(t, ack.JobID)
	}
	require.Equal(t, StateIdle, h.ctrl.Status().State)
	require.Empty(t, h.bus.History())
	require.NoError(t, h.ctrl.Wait(context.Background()))
}

func TestDriverErrorAfterAbortIsWarning(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakeTable{tableOne: twoRowTable()})
	h := newHarness(t, session)
	session.onClick = func(context.Context, int) error {
		h.ctrl.Abort()
		return browser.ErrSessionClosed
	}

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	h.wait(t)

	require.Equal(t, StateIdle, h.ctrl.Status().State)
	require.Zero(t, h.count(logbus.LevelError))
	require.Equal(t, 1, h.count(logbus.LevelWarning))
	msgs := h.messages()
	require.Equal(t, "Scraping aborted", msgs[len(msgs)-1])
}

func TestAbortTeardownFailureIsLogged(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakeTable{tableOne: twoRowTable()})
	session.teardownErr = errors.New("chrome already gone")
	clicked := make(chan struct{}, 1)
	session.onClick = func(ctx context.Context, _ int) error {
		clicked <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t, session)

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	<-clicked
	ack := h.ctrl.Abort()
	require.Equal(t, "Operation aborted", ack.Message)
	h.wait(t)

	require.Contains(t, h.messages(), "[ERROR] Error closing browser: chrome already gone")
	require.Equal(t, StateIdle, h.ctrl.Status().State)
}

func TestTableTimeoutSkipsTable(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakeTable{
		tableOne: {timeout: true},
		tableTwo: twoRowTable(),
	})
	h := newHarness(t, session)

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne, tableTwo))
	require.NoError(t, err)
	h.wait(t)

	snap := h.ctrl.Status()
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, Counters{TablesDone: 1, TablesSkipped: 1, RowsSaved: 2}, snap.Counters)
	require.Contains(t, h.messages(),
		"[WARNING] Table 1 took too long to load or has too much data. Skipping this table.")
	require.Equal(t, []string{"open " + loginURL, "table " + tableOne, "find", "close", "switch first", "table " + tableTwo},
		session.Calls()[:6])

	run, err := h.runs.GetRun(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, run.TablesSkipped)
}

func TestContentFatalStopsEverything(t *testing.T) {
	t.Parallel()

	table := twoRowTable()
	table.rows = append(table.rows, rowHTML("W9", "P9", "Goa"))
	table.pages = map[int]string{1: "<html><body>Your Session Expired. Please login.</body></html>"}
	session := newFakeSession(map[string]fakeTable{tableOne: table, tableTwo: twoRowTable()})
	h := newHarness(t, session)

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne, tableTwo))
	require.NoError(t, err)
	h.wait(t)

	snap := h.ctrl.Status()
	require.Equal(t, StateFailed, snap.State)
	require.Contains(t, snap.LastError, "session expired")
	require.Equal(t, 1, snap.Counters.RowsSaved)

	require.Equal(t, 1, h.count(logbus.LevelError))
	msgs := h.messages()
	require.Contains(t, msgs, "[ERROR] Unexpected content detected on row 2. Stopping automation.")
	require.NotContains(t, msgs, "Processing row 3")
	require.NotContains(t, msgs, "Opening table URL 2")
	require.Equal(t, "Browser closed", msgs[len(msgs)-1])
	require.NotContains(t, session.Calls(), "table "+tableTwo)
	require.Equal(t, 1, session.Teardowns())

	_, err = os.Stat(filepath.Join(h.root, "batch", "W2_P2_Pune.pdf"))
	require.True(t, os.IsNotExist(err))
}

func TestExtractionFailureUsesFallbackName(t *testing.T) {
	t.Parallel()

	table := twoRowTable()
	table.rowErrs = map[int]error{0: errors.New("node detached")}
	session := newFakeSession(map[string]fakeTable{tableOne: table})
	h := newHarness(t, session)

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	h.wait(t)

	require.Equal(t, StateCompleted, h.ctrl.Status().State)
	require.Equal(t, Counters{TablesDone: 1, RowsSaved: 2, RowsFallback: 1}, h.ctrl.Status().Counters)
	_, err = os.Stat(filepath.Join(h.root, "batch", "table1_row1.pdf"))
	require.NoError(t, err)

	var logged bool
	for _, msg := range h.messages() {
		if strings.HasPrefix(msg, "[ERROR] Error extracting row data:") {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestDriverInitFailureFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.factory.err = fmt.Errorf("%w: chrome not found", browser.ErrDriverInit)

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	h.wait(t)

	snap := h.ctrl.Status()
	require.Equal(t, StateFailed, snap.State)
	msgs := h.messages()
	require.Equal(t, "[ERROR] Error: browser driver init failed: chrome not found", msgs[len(msgs)-1])
	require.NotContains(t, msgs, "Browser closed")

	run, err := h.runs.GetRun(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
}

func TestNavigationFailureTearsDown(t *testing.T) {
	t.Parallel()

	session := newFakeSession(nil)
	session.openErr = fmt.Errorf("%w: net::ERR_NAME_NOT_RESOLVED", browser.ErrNavigation)
	h := newHarness(t, session)

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	h.wait(t)

	require.Equal(t, StateFailed, h.ctrl.Status().State)
	msgs := h.messages()
	require.Equal(t, []string{
		"[ERROR] Error: open login page: navigation failed: net::ERR_NAME_NOT_RESOLVED",
		"Browser closed",
	}, msgs[len(msgs)-2:])
	require.Equal(t, 1, session.Teardowns())
}

func TestPanicReleasesSlot(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakeTable{tableOne: twoRowTable()})
	session.onClick = func(context.Context, int) error {
		panic("boom")
	}
	h := newHarness(t, session)

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	h.wait(t)

	require.Equal(t, StateFailed, h.ctrl.Status().State)
	require.Contains(t, h.messages(), "[ERROR] Error: internal error: boom")
	require.Equal(t, 1, session.Teardowns())

	// The slot is free again.
	h.factory.session = newFakeSession(map[string]fakeTable{tableOne: twoRowTable()})
	ack, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	require.Equal(t, "job-2", ack.JobID)
	h.wait(t)
	require.Equal(t, StateCompleted, h.ctrl.Status().State)
}

func TestStartResetsLogHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSession(map[string]fakeTable{tableOne: twoRowTable()}))
	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	h.wait(t)

	h.factory.session = newFakeSession(map[string]fakeTable{tableOne: twoRowTable()})
	_, err = h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	h.wait(t)

	msgs := h.messages()
	require.True(t, strings.HasPrefix(msgs[0], "Artifacts will be saved to: "))
	var completions int
	for _, msg := range msgs {
		if strings.HasPrefix(msg, "Scraping completed.") {
			completions++
		}
	}
	require.Equal(t, 1, completions)
}

func TestObserverSeesJobInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSession(map[string]fakeTable{tableOne: twoRowTable()}))
	obs := h.bus.Subscribe()
	defer h.bus.Unsubscribe(obs)

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	h.wait(t)

	var got []string
	for len(got) < len(h.bus.History()) {
		select {
		case e := <-obs.C():
			got = append(got, e.String())
		case <-time.After(time.Second):
			t.Fatalf("observer missed entries, got %d", len(got))
		}
	}
	require.Equal(t, h.messages(), got)
}

func TestShutdownAbortsRunningJob(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakeTable{tableOne: twoRowTable()})
	clicked := make(chan struct{}, 1)
	session.onClick = func(ctx context.Context, _ int) error {
		clicked <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t, session)

	_, err := h.ctrl.Start(context.Background(), validSpec(tableOne))
	require.NoError(t, err)
	<-clicked

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Shutdown(ctx))
	require.Equal(t, StateIdle, h.ctrl.Status().State)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestStateJSON(t *testing.T) {
	t.Parallel()

	for state, want := range map[State]string{
		StateIdle:      "idle",
		StateRunning:   "running",
		StateAborting:  "aborting",
		StateCompleted: "completed",
		StateFailed:    "failed",
	} {
		text, err := state.MarshalText()
		require.NoError(t, err)
		require.Equal(t, want, string(text))
	}
	require.True(t, StateAborting.Busy())
	require.False(t, StateCompleted.Busy())
}
