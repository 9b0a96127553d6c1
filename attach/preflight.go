package attach

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// MaxAttachmentBytes is the hard ceiling on attachment size. Composers cap
// uploads well below this; refusing earlier gives a usable error instead of
// a silent rejection in the page.
const MaxAttachmentBytes = 100 << 20

// FileClass is the coarse attachment category preflight derives for
// target selection.
type FileClass string

const (
	ClassImage    FileClass = "image"
	ClassPDF      FileClass = "pdf"
	ClassText     FileClass = "text"
	ClassBinary   FileClass = "binary"
	ClassEmpty    FileClass = "empty"
	ClassOversize FileClass = "oversize"
)

// PreflightResult describes a validated attachment candidate.
type PreflightResult struct {
	Path  string
	Size  int64
	Class FileClass
	MIME  string
	// Pages is set for PDFs that pass structural validation.
	Pages int
}

// Preflight validates a file before any injection is attempted: it must
// exist, be non-empty, fit under the size ceiling, and — for PDFs — parse
// as a well-formed document. A file that fails preflight never reaches the
// page.
func Preflight(path string) (*PreflightResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("attach: preflight %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("attach: preflight %s: is a directory", path)
	}
	res := &PreflightResult{Path: path, Size: info.Size()}
	if info.Size() == 0 {
		res.Class = ClassEmpty
		return res, fmt.Errorf("attach: preflight %s: file is empty", path)
	}
	if info.Size() > MaxAttachmentBytes {
		res.Class = ClassOversize
		return res, fmt.Errorf("attach: preflight %s: %d bytes exceeds %d byte limit",
			path, info.Size(), int64(MaxAttachmentBytes))
	}

	head, err := readHead(path, 512)
	if err != nil {
		return nil, fmt.Errorf("attach: preflight %s: %w", path, err)
	}
	res.MIME = sniffMIME(path, head)
	res.Class = classify(res.MIME)

	if res.Class == ClassPDF {
		pages, err := validatePDF(path)
		if err != nil {
			return res, fmt.Errorf("attach: preflight %s: %w", path, err)
		}
		res.Pages = pages
	}
	return res, nil
}

// validatePDF runs the file through pdfcpu's structural validation and
// reports the page count.
func validatePDF(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	pctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return 0, fmt.Errorf("pdf validation: %w", err)
	}
	return pctx.PageCount, nil
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := f.Read(buf)
	if read == 0 && err != nil {
		return nil, err
	}
	return buf[:read], nil
}

func classify(mime string) FileClass {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return ClassImage
	case mime == "application/pdf":
		return ClassPDF
	case strings.HasPrefix(mime, "text/"),
		mime == "application/json",
		mime == "application/xml":
		return ClassText
	default:
		return ClassBinary
	}
}

// IsImage reports whether the path names an image, by extension. Target
// ranking uses this to keep non-image files away from image-only inputs.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// extMIME maps extensions http.DetectContentType cannot distinguish.
func extMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".go", ".py", ".js", ".ts", ".rs", ".c", ".h", ".sh":
		return "text/plain; charset=utf-8"
	default:
		return ""
	}
}
