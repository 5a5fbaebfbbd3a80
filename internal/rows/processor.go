package rows

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-scraper/internal/browser"
	"github.com/JakeFAU/registry-scraper/internal/logbus"
	"github.com/JakeFAU/registry-scraper/internal/storage"
)

// Content types used for stored artifacts.
const (
	ContentTypePDF  = "application/pdf"
	ContentTypeHTML = "text/html; charset=utf-8"
)

// RowSource reads row markup from the browser.
type RowSource interface {
	RowHTML(ctx context.Context, el browser.Element) (string, error)
}

// Result describes one stored artifact.
type Result struct {
	Record   Record
	Filename string
	URI      string
	Fallback bool
	Bytes    int
}

// Processor extracts, names and persists row artifacts.
type Processor struct {
	store  storage.BlobStore
	bus    *logbus.Bus
	logger *zap.Logger
}

// NewProcessor wires a Processor. store and bus are required.
func NewProcessor(store storage.BlobStore, bus *logbus.Bus, logger *zap.Logger) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("log bus is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, bus: bus, logger: logger}, nil
}

// Process stores doc as <folder>/<filename>. tableIdx and rowIdx are
// 0-based. Metadata failures fall back to a positional name; only
// cancellation and storage failures are returned.
func (p *Processor) Process(ctx context.Context, src RowSource, el browser.Element, folder string, tableIdx, rowIdx int, doc browser.Document) (Result, error) {
	res := Result{}
	rec, err := p.extract(ctx, src, el)
	switch {
	case err == nil:
		res.Record = rec
		res.Filename = Filename(rec)
	case ctx.Err() != nil:
		return Result{}, fmt.Errorf("extract row %d: %w", rowIdx+1, ctx.Err())
	default:
		p.bus.Error("Error extracting row data: %v", err)
		res.Fallback = true
		res.Filename = FallbackFilename(tableIdx+1, rowIdx+1)
	}

	payload, contentType := []byte(doc.HTML), ContentTypeHTML
	if len(doc.PDF) > 0 {
		payload, contentType = doc.PDF, ContentTypePDF
	}
	uri, err := p.store.PutObject(ctx, path.Join(folder, res.Filename), contentType, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("save %s: %w", res.Filename, err)
	}
	res.URI = uri
	res.Bytes = len(payload)

	p.bus.Success("Saved: %s", res.Filename)
	p.logger.Debug("row artifact stored",
		zap.Int("table", tableIdx+1),
		zap.Int("row", rowIdx+1),
		zap.String("uri", uri),
		zap.Int("bytes", res.Bytes),
	)
	return res, nil
}

func (p *Processor) extract(ctx context.Context, src RowSource, el browser.Element) (Record, error) {
	html, err := src.RowHTML(ctx, el)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	return ParseCells(html)
}
