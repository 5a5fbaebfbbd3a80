package scrape

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/registry-scraper/internal/browser"
)

// fakeTable scripts one table page. rows holds the markup of each row and
// pages the document shown after clicking it.
type fakeTable struct {
	rows    []string
	pages   map[int]string
	rowErrs map[int]error
	timeout bool
	// sameTab keeps the record in the table tab instead of opening a new one.
	sameTab bool
}

type fakeSession struct {
	mu          sync.Mutex
	tables      map[string]fakeTable
	openErr     error
	teardownErr error
	onClick     func(ctx context.Context, row int) error

	calls     []string
	current   string
	lastClick int
	tabs      int
	teardowns int
	closed    bool
}

func newFakeSession(tables map[string]fakeTable) *fakeSession {
	return &fakeSession{tables: tables}
}

func (f *fakeSession) factory() browser.Factory {
	return func(context.Context) (browser.Session, error) {
		return f, nil
	}
}

func (f *fakeSession) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	if f.closed {
		return browser.ErrSessionClosed
	}
	return nil
}

func (f *fakeSession) Open(_ context.Context, url string) error {
	if err := f.record("open %s", url); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.tabs = 1
	return nil
}

func (f *fakeSession) OpenInNewTab(_ context.Context, url string) error {
	if err := f.record("table %s", url); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = url
	f.tabs++
	return nil
}

func (f *fakeSession) FindRows(_ context.Context, _ string, _ time.Duration) ([]browser.Element, error) {
	if err := f.record("find"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	table := f.tables[f.current]
	if table.timeout {
		return nil, browser.ErrElementTimeout
	}
	out := make([]browser.Element, len(table.rows))
	for i := range table.rows {
		out[i] = browser.Element{Index: i}
	}
	return out, nil
}

func (f *fakeSession) ClickElement(ctx context.Context, el browser.Element) error {
	if err := f.record("click %d", el.Index+1); err != nil {
		return err
	}
	f.mu.Lock()
	f.lastClick = el.Index
	hook := f.onClick
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, el.Index+1)
	}
	return nil
}

func (f *fakeSession) FocusNewest(context.Context) (bool, error) {
	if err := f.record("focus"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables[f.current].sameTab {
		return false, nil
	}
	f.tabs++
	return true, nil
}

func (f *fakeSession) RowHTML(_ context.Context, el browser.Element) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := f.tables[f.current]
	if err := table.rowErrs[el.Index]; err != nil {
		return "", err
	}
	return table.rows[el.Index], nil
}

func (f *fakeSession) CaptureDocument(context.Context) (browser.Document, error) {
	if err := f.record("capture"); err != nil {
		return browser.Document{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if page, ok := f.tables[f.current].pages[f.lastClick]; ok {
		return browser.Document{HTML: page}, nil
	}
	return browser.Document{HTML: fmt.Sprintf("<html><body>record %d</body></html>", f.lastClick+1)}, nil
}

func (f *fakeSession) CloseCurrentTab(context.Context) error {
	if err := f.record("close"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tabs <= 1 {
		return errors.New("cannot close the primary tab")
	}
	f.tabs--
	return nil
}

func (f *fakeSession) SwitchTo(_ context.Context, ref browser.TabRef) error {
	return f.record("switch %s", ref)
}

func (f *fakeSession) TabCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tabs
}

func (f *fakeSession) Teardown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	f.closed = true
	return f.teardownErr
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) Teardowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardowns
}

func rowHTML(waqf, property, district string) string {
	return fmt.Sprintf("<tr><td>%s</td><td>%s</td><td>%s</td></tr>", waqf, property, district)
}
