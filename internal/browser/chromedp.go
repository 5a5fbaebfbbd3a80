package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	defaultNavTimeout = 60 * time.Second
	defaultTabWait    = 5 * time.Second
	clickScript       = "function(){this.click();}"
)

// Settle holds the pause applied after each kind of browser action.
type Settle struct {
	Login time.Duration
	Table time.Duration
	Row   time.Duration
	Tab   time.Duration
	Close time.Duration
}

// Config controls the Chrome instance and its pacing.
type Config struct {
	Headless   bool
	ExecPath   string
	UserAgent  string
	NavTimeout time.Duration
	// TabWait bounds how long FocusNewest waits for a tab opened by a click.
	TabWait time.Duration
	Settle  Settle
	// PrintPDF adds a Page.printToPDF rendering to captured documents.
	PrintPDF bool
}

func (c Config) withDefaults() Config {
	if c.NavTimeout <= 0 {
		c.NavTimeout = defaultNavTimeout
	}
	if c.TabWait <= 0 {
		c.TabWait = defaultTabWait
	}
	return c
}

type tab struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

// ChromedpSession implements Session with chromedp. tabs[0] is the primary
// tab and is never closed before Teardown.
type ChromedpSession struct {
	cfg         Config
	logger      *zap.Logger
	allocCancel context.CancelFunc

	mu            sync.Mutex
	tabs          []*tab
	current       *tab
	pending       <-chan target.ID
	cancelPending context.CancelFunc
	closed        bool
}

// NewChromedpFactory returns a Factory that launches a fresh Chrome per call.
func NewChromedpFactory(cfg Config, logger *zap.Logger) Factory {
	return func(ctx context.Context) (Session, error) {
		return NewChromedp(ctx, cfg, logger)
	}
}

// NewChromedp launches Chrome and attaches to its first tab.
func NewChromedp(ctx context.Context, cfg Config, logger *zap.Logger) (*ChromedpSession, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	stopForward := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stopForward()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("%w: %w", ErrDriverInit, err)
	}

	primary := &tab{
		id:     chromedp.FromContext(browserCtx).Target.TargetID,
		ctx:    browserCtx,
		cancel: browserCancel,
	}
	logger.Debug("browser started", zap.String("target", string(primary.id)), zap.Bool("headless", cfg.Headless))
	return &ChromedpSession{
		cfg:         cfg,
		logger:      logger,
		allocCancel: allocCancel,
		tabs:        []*tab{primary},
		current:     primary,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1920, 1080),
	)
	if cfg.Headless {
		opts = append(opts,
			chromedp.Flag("disable-extensions", true),
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("no-first-run", true),
			chromedp.Flag("no-zygote", true),
		)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Open implements Session.
func (s *ChromedpSession) Open(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	primary := s.tabs[0]
	s.current = primary
	s.mu.Unlock()

	if err := s.navigate(ctx, primary, url); err != nil {
		return err
	}
	return sleepCtx(ctx, s.cfg.Settle.Login)
}

// OpenInNewTab implements Session.
func (s *ChromedpSession) OpenInNewTab(ctx context.Context, url string) error {
	root, err := s.root()
	if err != nil {
		return err
	}

	tabCtx, cancel := chromedp.NewContext(root.ctx)
	stopForward := forwardCancel(ctx, cancel)
	err = chromedp.Run(tabCtx)
	stopForward()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: open tab: %w", ErrNavigation, err)
	}
	t := &tab{id: chromedp.FromContext(tabCtx).Target.TargetID, ctx: tabCtx, cancel: cancel}
	if err := s.track(t); err != nil {
		return err
	}
	if err := s.navigate(ctx, t, url); err != nil {
		return err
	}
	return sleepCtx(ctx, s.cfg.Settle.Table)
}

// FindRows implements Session.
func (s *ChromedpSession) FindRows(ctx context.Context, xpath string, timeout time.Duration) ([]Element, error) {
	t, err := s.focused()
	if err != nil {
		return nil, err
	}
	opCtx, done := opContext(ctx, t, timeout)
	defer done()

	var nodes []*cdp.Node
	if err := chromedp.Run(opCtx, chromedp.Nodes(xpath, &nodes, chromedp.BySearch)); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("find rows: %w", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrElementTimeout, xpath, timeout)
		}
		return nil, fmt.Errorf("find rows: %w", err)
	}
	elems := make([]Element, len(nodes))
	for i, node := range nodes {
		elems[i] = Element{Index: i, tab: t.id, node: node}
	}
	return elems, nil
}

// ClickElement implements Session. A tab opened by the click is picked up by
// the next FocusNewest.
func (s *ChromedpSession) ClickElement(ctx context.Context, el Element) error {
	t, err := s.tabOf(el)
	if err != nil {
		return err
	}

	waitCtx, cancelWait := context.WithCancel(t.ctx)
	pending := chromedp.WaitNewTarget(waitCtx, func(info *target.Info) bool {
		return info.Type == "page"
	})
	s.setPending(pending, cancelWait)

	opCtx, done := opContext(ctx, t, s.cfg.NavTimeout)
	defer done()
	err = chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithBackendNodeID(el.node.BackendNodeID).Do(ctx)
		if err != nil {
			return fmt.Errorf("resolve node: %w", err)
		}
		_, exc, err := runtime.CallFunctionOn(clickScript).
			WithObjectID(obj.ObjectID).
			WithUserGesture(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("call click: %w", err)
		}
		if exc != nil {
			return fmt.Errorf("click script: %s", exc.Text)
		}
		return nil
	}))
	if err != nil {
		s.setPending(nil, nil)
		return fmt.Errorf("click row %d: %w", el.Index+1, err)
	}
	return sleepCtx(ctx, s.cfg.Settle.Row)
}

// FocusNewest implements Session.
func (s *ChromedpSession) FocusNewest(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionClosed
	}
	pending, cancelWait := s.pending, s.cancelPending
	s.pending, s.cancelPending = nil, nil
	root := s.tabs[0]
	s.mu.Unlock()

	var opened target.ID
	if pending != nil {
		timer := time.NewTimer(s.cfg.TabWait)
		select {
		case id, ok := <-pending:
			if ok {
				opened = id
			}
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
		cancelWait()
		if ctx.Err() != nil {
			return false, fmt.Errorf("wait for tab: %w", ctx.Err())
		}
	}

	if opened == "" {
		if err := s.refresh(ctx); err != nil {
			return false, err
		}
		s.mu.Lock()
		if len(s.tabs) > 0 {
			s.current = s.tabs[len(s.tabs)-1]
		}
		s.mu.Unlock()
		return false, sleepCtx(ctx, s.cfg.Settle.Tab)
	}

	tabCtx, cancel := chromedp.NewContext(root.ctx, chromedp.WithTargetID(opened))
	stopForward := forwardCancel(ctx, cancel)
	err := chromedp.Run(tabCtx)
	stopForward()
	if err != nil {
		cancel()
		return false, fmt.Errorf("attach tab %s: %w", opened, err)
	}
	t := &tab{id: opened, ctx: tabCtx, cancel: cancel}
	if err := s.track(t); err != nil {
		return false, err
	}

	opCtx, done := opContext(ctx, t, s.cfg.NavTimeout)
	err = chromedp.Run(opCtx, chromedp.WaitReady("body", chromedp.ByQuery))
	done()
	if err != nil {
		return true, fmt.Errorf("%w: tab %s: %w", ErrNavigation, opened, err)
	}
	return true, sleepCtx(ctx, s.cfg.Settle.Tab)
}

// RowHTML implements Session. The element's own tab is used even when
// another tab has focus.
func (s *ChromedpSession) RowHTML(ctx context.Context, el Element) (string, error) {
	t, err := s.liveTab(el)
	if err != nil {
		return "", err
	}
	opCtx, done := opContext(ctx, t, s.cfg.NavTimeout)
	defer done()

	var html string
	err = chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var innerErr error
		html, innerErr = dom.GetOuterHTML().WithBackendNodeID(el.node.BackendNodeID).Do(ctx)
		return innerErr
	}))
	if err != nil {
		return "", fmt.Errorf("row %d html: %w", el.Index+1, err)
	}
	return html, nil
}

// CaptureDocument implements Session. A failed PDF print is logged and the
// document is returned with HTML only.
func (s *ChromedpSession) CaptureDocument(ctx context.Context) (Document, error) {
	t, err := s.focused()
	if err != nil {
		return Document{}, err
	}
	opCtx, done := opContext(ctx, t, s.cfg.NavTimeout)
	defer done()

	var doc Document
	if err := chromedp.Run(opCtx, chromedp.OuterHTML("html", &doc.HTML, chromedp.ByQuery)); err != nil {
		return Document{}, fmt.Errorf("capture document: %w", err)
	}
	if !s.cfg.PrintPDF {
		return doc, nil
	}
	err = chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, printErr := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if printErr != nil {
			return printErr
		}
		doc.PDF = buf
		return nil
	}))
	if err != nil {
		if ctx.Err() != nil {
			return Document{}, fmt.Errorf("print pdf: %w", ctx.Err())
		}
		s.logger.Warn("print to pdf failed, keeping html", zap.String("target", string(t.id)), zap.Error(err))
	}
	return doc, nil
}

// CloseCurrentTab implements Session.
func (s *ChromedpSession) CloseCurrentTab(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	t := s.current
	if t == s.tabs[0] {
		s.mu.Unlock()
		return fmt.Errorf("refusing to close the primary tab")
	}
	s.mu.Unlock()

	opCtx, done := opContext(ctx, t, s.cfg.NavTimeout)
	if err := chromedp.Run(opCtx, page.Close()); err != nil {
		s.logger.Debug("page close returned error", zap.String("target", string(t.id)), zap.Error(err))
	}
	done()
	t.cancel()

	s.mu.Lock()
	s.tabs = removeTab(s.tabs, t.id)
	if len(s.tabs) > 0 {
		s.current = s.tabs[len(s.tabs)-1]
	}
	s.mu.Unlock()
	return sleepCtx(ctx, s.cfg.Settle.Close)
}

// SwitchTo implements Session.
func (s *ChromedpSession) SwitchTo(ctx context.Context, ref TabRef) error {
	if err := s.refresh(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	t := s.tabs[0]
	if ref == TabLast {
		t = s.tabs[len(s.tabs)-1]
	}
	s.current = t
	s.mu.Unlock()

	opCtx, done := opContext(ctx, t, s.cfg.NavTimeout)
	defer done()
	if err := chromedp.Run(opCtx, page.BringToFront()); err != nil {
		return fmt.Errorf("switch to %s tab: %w", ref, err)
	}
	return nil
}

// TabCount implements Session.
func (s *ChromedpSession) TabCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tabs)
}

// Teardown implements Session.
func (s *ChromedpSession) Teardown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tabs := s.tabs
	s.tabs, s.current = nil, nil
	if s.cancelPending != nil {
		s.cancelPending()
	}
	s.pending, s.cancelPending = nil, nil
	s.mu.Unlock()

	for i := len(tabs) - 1; i >= 1; i-- {
		tabs[i].cancel()
	}
	var err error
	if len(tabs) > 0 {
		err = chromedp.Cancel(tabs[0].ctx)
		tabs[0].cancel()
	}
	s.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func (s *ChromedpSession) navigate(ctx context.Context, t *tab, url string) error {
	opCtx, done := opContext(ctx, t, s.cfg.NavTimeout)
	defer done()
	if err := chromedp.Run(opCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
	}
	return nil
}

// refresh drops tracked tabs whose targets no longer exist.
func (s *ChromedpSession) refresh(ctx context.Context) error {
	root, err := s.root()
	if err != nil {
		return err
	}
	opCtx, done := opContext(ctx, root, s.cfg.NavTimeout)
	defer done()
	infos, err := chromedp.Targets(opCtx)
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	live := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			live[info.TargetID] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	var dropped []*tab
	s.tabs, dropped = pruneTabs(s.tabs, live)
	for _, t := range dropped {
		t.cancel()
		if s.current == t {
			s.current = s.tabs[len(s.tabs)-1]
		}
	}
	return nil
}

func (s *ChromedpSession) root() (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.tabs[0], nil
}

func (s *ChromedpSession) focused() (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.current, nil
}

// tabOf returns the element's tab when it is the focused one.
func (s *ChromedpSession) tabOf(el Element) (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if el.node == nil || s.current == nil || s.current.id != el.tab {
		return nil, fmt.Errorf("%w: row %d", ErrStaleElement, el.Index+1)
	}
	return s.current, nil
}

func (s *ChromedpSession) liveTab(el Element) (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if el.node != nil {
		for _, t := range s.tabs {
			if t.id == el.tab {
				return t, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: row %d", ErrStaleElement, el.Index+1)
}

func (s *ChromedpSession) track(t *tab) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.cancel()
		return ErrSessionClosed
	}
	s.tabs = append(s.tabs, t)
	s.current = t
	return nil
}

func (s *ChromedpSession) setPending(ch <-chan target.ID, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelPending != nil {
		s.cancelPending()
	}
	s.pending, s.cancelPending = ch, cancel
}

// pruneTabs keeps the primary tab and every tab present in live, preserving
// order.
func pruneTabs(tabs []*tab, live map[target.ID]bool) ([]*tab, []*tab) {
	kept := make([]*tab, 0, len(tabs))
	var dropped []*tab
	for i, t := range tabs {
		if i == 0 || live[t.id] {
			kept = append(kept, t)
			continue
		}
		dropped = append(dropped, t)
	}
	return kept, dropped
}

func removeTab(tabs []*tab, id target.ID) []*tab {
	out := tabs[:0]
	for _, t := range tabs {
		if t.id != id {
			out = append(out, t)
		}
	}
	return out
}

// opContext derives a bounded context on the tab that also ends when ctx
// does.
func opContext(ctx context.Context, t *tab, timeout time.Duration) (context.Context, func()) {
	opCtx, cancel := context.WithTimeout(t.ctx, timeout)
	stop := forwardCancel(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("settle: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
