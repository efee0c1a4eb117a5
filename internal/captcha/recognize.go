package captcha

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gradewatch/internal/components/assert"
	"gradewatch/internal/components/telemetry"

	"github.com/mazen160/go-random"
)

const (
	report_recognizer_validate = "recognizer.validate"
	report_recognizer_ocr      = "recognizer.ocr"
	report_recognizer_tempfile = "recognizer.tempfile"
)

// Recognizer turns captcha image bytes into a CodeLength character
// alphanumeric code.
type Recognizer struct {
	engines *EngineHolder
	tempDir string
	tel     telemetry.API
}

// NewRecognizer creates a Recognizer, `tempDir` is where images are written
// for the OCR engine to read, it defaults to os.TempDir().
func NewRecognizer(engines *EngineHolder, tempDir string, tel telemetry.API) Recognizer {
	assert.NotNil(engines)
	assert.NotNil(tel)

	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return Recognizer{
		engines: engines,
		tempDir: tempDir,
		tel:     telemetry.NewScopedAPI("captcha", tel),
	}
}

// Recognize returns the code in the image or false if the image is invalid,
// the OCR engine fails or the recognized text is too short. Invalid images
// never reach the OCR engine.
func (r Recognizer) Recognize(ctx context.Context, img []byte) (code string, ok bool) {
	if len(img) < MinImageSize {
		r.tel.ReportWarning(report_recognizer_validate, fmt.Errorf("image too small"), len(img))
		return "", false
	}
	ext, known := sniffFormat(img)
	if !known {
		r.tel.ReportWarning(report_recognizer_validate, fmt.Errorf("unknown image format"), len(img))
		return "", false
	}

	path, err := r.writeTemp(img, ext)
	if err != nil {
		r.tel.ReportBroken(report_recognizer_tempfile, err)
		return "", false
	}
	defer os.Remove(path)

	fragments, err := r.ocr(ctx, path)
	if err != nil {
		r.tel.ReportWarning(report_recognizer_ocr, err)
		return "", false
	}

	code, ok = NormalizeCode(fragments)
	r.tel.ReportDebug("recognized captcha", fragments, code)
	return code, ok
}

func (r Recognizer) ocr(ctx context.Context, path string) (fragments []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("ocr panic: %v", rec)
		}
	}()

	engine, err := r.engines.Engine()
	if err != nil {
		return nil, fmt.Errorf("load ocr engine: %w", err)
	}
	return engine.Recognize(ctx, path)
}

func (r Recognizer) writeTemp(img []byte, ext string) (string, error) {
	suffix, err := random.String(8)
	if err != nil {
		return "", fmt.Errorf("random name: %w", err)
	}
	path := filepath.Join(r.tempDir, fmt.Sprintf("captcha-%s%s", suffix, ext))
	err = os.WriteFile(path, img, 0600)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// NormalizeCode joins OCR fragments, drops everything that isn't an ascii
// letter or digit and returns the first CodeLength characters.
func NormalizeCode(fragments []string) (string, bool) {
	cleaned := strings.Map(func(c rune) rune {
		if isAlphanumeric(c) {
			return c
		}
		return -1
	}, strings.Join(fragments, ""))

	if len(cleaned) < CodeLength {
		return "", false
	}
	return cleaned[:CodeLength], true
}
