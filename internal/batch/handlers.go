package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/rs/zerolog"

	"github.com/facturaIA/document-enhancement-service/internal/extract"
	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/models"
	"github.com/facturaIA/document-enhancement-service/internal/storage"
)

// ErrNoUsableInputs is returned by a handler when not a single input could be processed
var ErrNoUsableInputs = errors.New("no usable inputs")

// OperationRequest is one operation of a job with its document refs resolved
type OperationRequest struct {
	JobID   string
	OwnerID string
	Index   int
	Type    models.OperationType
	Refs    []string
	Options map[string]any
}

// OperationResult lists the outputs of an operation and the inputs it could not use
type OperationResult struct {
	ResultRefs []string
	FailedRefs []string
	Note       string
}

// OperationHandler executes one operation type. It returns partial results for
// partially bad input and an error only when nothing could be produced.
type OperationHandler interface {
	Execute(ctx context.Context, req OperationRequest) (*OperationResult, error)
}

// HandlerFunc adapts a function to OperationHandler
type HandlerFunc func(ctx context.Context, req OperationRequest) (*OperationResult, error)

func (f HandlerFunc) Execute(ctx context.Context, req OperationRequest) (*OperationResult, error) {
	return f(ctx, req)
}

// Registry maps operation types to handlers
type Registry struct {
	handlers map[models.OperationType]OperationHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.OperationType]OperationHandler)}
}

func (r *Registry) Register(t models.OperationType, h OperationHandler) {
	r.handlers[t] = h
}

func (r *Registry) Get(t models.OperationType) (OperationHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// DocumentProcessor turns a document into text
type DocumentProcessor interface {
	Process(ctx context.Context, doc *models.Document, opts models.ProcessOptions) (*models.DocumentResult, error)
}

// Summarizer produces a short summary of text
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// DocumentHandlers implements the built-in operation types
type DocumentHandlers struct {
	objects    storage.Store
	processor  DocumentProcessor
	results    ResultStore
	summarizer Summarizer
	tempDir    string
	log        zerolog.Logger
}

// NewDocumentHandlers creates the built-in handlers. summarizer may be nil, in which
// case summarize operations are not registered.
func NewDocumentHandlers(objects storage.Store, processor DocumentProcessor, results ResultStore, summarizer Summarizer, tempDir string) *DocumentHandlers {
	return &DocumentHandlers{
		objects:    objects,
		processor:  processor,
		results:    results,
		summarizer: summarizer,
		tempDir:    tempDir,
		log:        logger.WithComponent("batch.handlers"),
	}
}

// Register adds every built-in handler to r
func (h *DocumentHandlers) Register(r *Registry) {
	r.Register(models.OpMerge, HandlerFunc(h.merge))
	r.Register(models.OpSplit, HandlerFunc(h.split))
	r.Register(models.OpCompress, HandlerFunc(h.compress))
	r.Register(models.OpConvert, HandlerFunc(h.convert))
	r.Register(models.OpOCR, HandlerFunc(h.ocr))
	if h.summarizer != nil {
		r.Register(models.OpSummarize, HandlerFunc(h.summarize))
	}
}

// partial collects per-input outcomes of an operation
type partial struct {
	total   int
	results []string
	failed  []string
	reasons []string
}

func (p *partial) fail(ref string, err error) {
	p.failed = append(p.failed, ref)
	p.reasons = append(p.reasons, fmt.Sprintf("%s: %v", ref, err))
}

func (p *partial) result(op models.OperationType) (*OperationResult, error) {
	if len(p.results) == 0 {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrNoUsableInputs, strings.Join(p.reasons, "; "))
	}
	note := fmt.Sprintf("%d of %d documents processed", p.total-len(p.failed), p.total)
	if len(p.reasons) > 0 {
		note += "; failed: " + strings.Join(p.reasons, "; ")
	}
	return &OperationResult{ResultRefs: p.results, FailedRefs: p.failed, Note: note}, nil
}

// scratch creates a temp dir owned by the caller
func (h *DocumentHandlers) scratch() (string, func(), error) {
	dir, err := os.MkdirTemp(h.tempDir, "batch-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// writePDF downloads ref into dir and validates it as a PDF
func (h *DocumentHandlers) writePDF(ctx context.Context, ref, path string) error {
	doc, err := h.objects.Download(ctx, ref)
	if err != nil {
		return err
	}
	if mt := extract.DetectMediaType(doc.Data, doc.MediaType, doc.Filename); mt != "application/pdf" {
		return fmt.Errorf("not a PDF (%s)", mt)
	}
	if err := os.WriteFile(path, doc.Data, 0o600); err != nil {
		return err
	}
	if err := api.ValidateFile(path, nil); err != nil {
		return fmt.Errorf("invalid PDF: %w", err)
	}
	return nil
}

func (h *DocumentHandlers) uploadFile(ctx context.Context, path string, meta storage.UploadMeta) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return h.objects.Upload(ctx, data, meta)
}

func (h *DocumentHandlers) merge(ctx context.Context, req OperationRequest) (*OperationResult, error) {
	dir, cleanup, err := h.scratch()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	p := &partial{total: len(req.Refs)}
	var inputs []string
	for i, ref := range req.Refs {
		path := filepath.Join(dir, fmt.Sprintf("in_%03d.pdf", i))
		if err := h.writePDF(ctx, ref, path); err != nil {
			p.fail(ref, err)
			continue
		}
		inputs = append(inputs, path)
	}
	if len(inputs) == 0 {
		return p.result(req.Type)
	}

	out := filepath.Join(dir, "merged.pdf")
	if err := api.MergeCreateFile(inputs, out, false, nil); err != nil {
		return nil, fmt.Errorf("merge failed: %w", err)
	}
	ref, err := h.uploadFile(ctx, out, storage.UploadMeta{
		OwnerID:     req.OwnerID,
		Filename:    "merged.pdf",
		ContentType: "application/pdf",
		Prefix:      "merged",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload merged PDF: %w", err)
	}
	p.results = append(p.results, ref)
	return p.result(req.Type)
}

func (h *DocumentHandlers) split(ctx context.Context, req OperationRequest) (*OperationResult, error) {
	span := optInt(req.Options, "span", 1)
	if span < 1 {
		span = 1
	}

	p := &partial{total: len(req.Refs)}
	for _, ref := range req.Refs {
		refs, err := h.splitOne(ctx, req.OwnerID, ref, span)
		if err != nil {
			p.fail(ref, err)
			continue
		}
		p.results = append(p.results, refs...)
	}
	return p.result(req.Type)
}

func (h *DocumentHandlers) splitOne(ctx context.Context, ownerID, ref string, span int) ([]string, error) {
	dir, cleanup, err := h.scratch()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	in := filepath.Join(dir, "in.pdf")
	if err := h.writePDF(ctx, ref, in); err != nil {
		return nil, err
	}
	outDir := filepath.Join(dir, "parts")
	if err := os.Mkdir(outDir, 0o700); err != nil {
		return nil, err
	}
	if err := api.SplitFile(in, outDir, span, nil); err != nil {
		return nil, fmt.Errorf("split failed: %w", err)
	}

	parts, err := orderedParts(outDir)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(parts))
	for _, part := range parts {
		r, err := h.uploadFile(ctx, filepath.Join(outDir, part), storage.UploadMeta{
			OwnerID:     ownerID,
			Filename:    part,
			ContentType: "application/pdf",
			Prefix:      "split",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", part, err)
		}
		refs = append(refs, r)
	}
	return refs, nil
}

// orderedParts lists split outputs (in_1.pdf, in_2-3.pdf, ...) by first page
func orderedParts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool { return firstPage(names[i]) < firstPage(names[j]) })
	return names, nil
}

func firstPage(name string) int {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = base[strings.LastIndex(base, "_")+1:]
	if dash := strings.IndexByte(base, '-'); dash >= 0 {
		base = base[:dash]
	}
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0
	}
	return n
}

func (h *DocumentHandlers) compress(ctx context.Context, req OperationRequest) (*OperationResult, error) {
	p := &partial{total: len(req.Refs)}
	for _, ref := range req.Refs {
		out, err := h.compressOne(ctx, req.OwnerID, ref)
		if err != nil {
			p.fail(ref, err)
			continue
		}
		p.results = append(p.results, out)
	}
	return p.result(req.Type)
}

func (h *DocumentHandlers) compressOne(ctx context.Context, ownerID, ref string) (string, error) {
	dir, cleanup, err := h.scratch()
	if err != nil {
		return "", err
	}
	defer cleanup()

	in := filepath.Join(dir, "in.pdf")
	if err := h.writePDF(ctx, ref, in); err != nil {
		return "", err
	}
	out := filepath.Join(dir, "out.pdf")
	if err := api.OptimizeFile(in, out, nil); err != nil {
		return "", fmt.Errorf("optimize failed: %w", err)
	}
	return h.uploadFile(ctx, out, storage.UploadMeta{
		OwnerID:     ownerID,
		Filename:    "compressed.pdf",
		ContentType: "application/pdf",
		Prefix:      "compressed",
	})
}

// convert turns images into PDFs (to=pdf, the default) or any document into plain text (to=txt)
func (h *DocumentHandlers) convert(ctx context.Context, req OperationRequest) (*OperationResult, error) {
	target := strings.ToLower(optString(req.Options, "to", "pdf"))
	if target != "pdf" && target != "txt" {
		return nil, fmt.Errorf("convert: unsupported target %q", target)
	}

	p := &partial{total: len(req.Refs)}
	for _, ref := range req.Refs {
		var out string
		var err error
		if target == "pdf" {
			out, err = h.imageToPDF(ctx, req.OwnerID, ref)
		} else {
			out, _, err = h.textOf(ctx, req, ref, models.ProcessOptions{Language: optString(req.Options, "language", "")})
		}
		if err != nil {
			p.fail(ref, err)
			continue
		}
		p.results = append(p.results, out)
	}
	return p.result(req.Type)
}

func (h *DocumentHandlers) imageToPDF(ctx context.Context, ownerID, ref string) (string, error) {
	doc, err := h.objects.Download(ctx, ref)
	if err != nil {
		return "", err
	}
	mt := extract.DetectMediaType(doc.Data, doc.MediaType, doc.Filename)
	if mt == "application/pdf" {
		return ref, nil
	}
	if !strings.HasPrefix(mt, "image/") {
		return "", fmt.Errorf("cannot convert %s to PDF", mt)
	}

	dir, cleanup, err := h.scratch()
	if err != nil {
		return "", err
	}
	defer cleanup()

	img := filepath.Join(dir, "page"+storage.GetFileExtension(mt))
	if err := os.WriteFile(img, doc.Data, 0o600); err != nil {
		return "", err
	}
	out := filepath.Join(dir, "out.pdf")
	if err := api.ImportImagesFile([]string{img}, out, pdfcpu.DefaultImportConfig(), nil); err != nil {
		return "", fmt.Errorf("image import failed: %w", err)
	}
	return h.uploadFile(ctx, out, storage.UploadMeta{
		OwnerID:     ownerID,
		Filename:    strings.TrimSuffix(doc.Filename, filepath.Ext(doc.Filename)) + ".pdf",
		ContentType: "application/pdf",
		Prefix:      "converted",
	})
}

// textOf runs the pipeline on ref, uploads the text and records the result metadata
func (h *DocumentHandlers) textOf(ctx context.Context, req OperationRequest, ref string, opts models.ProcessOptions) (string, *models.DocumentResult, error) {
	doc, err := h.objects.Download(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	result, err := h.processor.Process(ctx, doc, opts)
	if err != nil {
		return "", nil, err
	}

	textRef, err := h.objects.Upload(ctx, []byte(result.Text), storage.UploadMeta{
		OwnerID:     req.OwnerID,
		Filename:    strings.TrimSuffix(doc.Filename, filepath.Ext(doc.Filename)) + ".txt",
		ContentType: "text/plain",
		Prefix:      "text",
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to upload text: %w", err)
	}

	if h.results != nil {
		if _, err := h.results.SaveDocumentResult(ctx, &DocumentRecord{
			OwnerID:     req.OwnerID,
			JobID:       req.JobID,
			DocumentRef: ref,
			TextRef:     textRef,
			Result:      result,
		}); err != nil {
			h.log.Warn().Err(err).Str("job_id", req.JobID).Str("document", ref).Msg("failed to save document result")
		}
	}
	return textRef, result, nil
}

func (h *DocumentHandlers) ocr(ctx context.Context, req OperationRequest) (*OperationResult, error) {
	opts := models.ProcessOptions{
		Language:            optString(req.Options, "language", ""),
		EnhanceWithAI:       optBool(req.Options, "enhanceWithAI", false),
		ExtractOriginal:     optBool(req.Options, "extractOriginal", false),
		ConfidenceThreshold: optFloat(req.Options, "confidenceThreshold", 0),
		DocumentTypeHint:    optString(req.Options, "documentType", ""),
	}

	p := &partial{total: len(req.Refs)}
	for _, ref := range req.Refs {
		textRef, result, err := h.textOf(ctx, req, ref, opts)
		if err != nil {
			p.fail(ref, err)
			continue
		}
		if len(result.FailedPages) > 0 {
			p.reasons = append(p.reasons, fmt.Sprintf("%s: pages %v unreadable", ref, result.FailedPages))
		}
		p.results = append(p.results, textRef)
	}
	return p.result(req.Type)
}

func (h *DocumentHandlers) summarize(ctx context.Context, req OperationRequest) (*OperationResult, error) {
	opts := models.ProcessOptions{Language: optString(req.Options, "language", "")}

	p := &partial{total: len(req.Refs)}
	for _, ref := range req.Refs {
		out, err := h.summarizeOne(ctx, req, ref, opts)
		if err != nil {
			p.fail(ref, err)
			continue
		}
		p.results = append(p.results, out)
	}
	return p.result(req.Type)
}

func (h *DocumentHandlers) summarizeOne(ctx context.Context, req OperationRequest, ref string, opts models.ProcessOptions) (string, error) {
	doc, err := h.objects.Download(ctx, ref)
	if err != nil {
		return "", err
	}
	result, err := h.processor.Process(ctx, doc, opts)
	if err != nil {
		return "", err
	}
	summary, err := h.summarizer.Summarize(ctx, result.Text)
	if err != nil {
		return "", err
	}
	return h.objects.Upload(ctx, []byte(summary), storage.UploadMeta{
		OwnerID:     req.OwnerID,
		Filename:    strings.TrimSuffix(doc.Filename, filepath.Ext(doc.Filename)) + ".summary.txt",
		ContentType: "text/plain",
		Prefix:      "summaries",
	})
}

func optString(opts map[string]any, key, def string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return def
}

func optBool(opts map[string]any, key string, def bool) bool {
	switch v := opts[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// optFloat accepts JSON numbers (float64) and numeric strings
func optFloat(opts map[string]any, key string, def float64) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func optInt(opts map[string]any, key string, def int) int {
	return int(optFloat(opts, key, float64(def)))
}
