package captcha

import (
	"context"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Tesseract is an OCR backed by a single tesseract client, the client is not
// safe for concurrent use so calls are serialized.
type Tesseract struct {
	mutex  sync.Mutex
	client *gosseract.Client
}

// NewTesseract loads tesseract's english model restricted to alphanumeric
// output, it matches the signature expected by NewEngineHolder.
func NewTesseract() (OCR, error) {
	client := gosseract.NewClient()
	err := client.SetLanguage("eng")
	if err != nil {
		client.Close()
		return nil, err
	}
	err = client.SetWhitelist(alphanumeric)
	if err != nil {
		client.Close()
		return nil, err
	}
	err = client.SetPageSegMode(gosseract.PSM_SINGLE_LINE)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &Tesseract{client: client}, nil
}

func (t *Tesseract) Recognize(ctx context.Context, imagePath string) ([]string, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err := t.client.SetImage(imagePath)
	if err != nil {
		return nil, err
	}
	text, err := t.client.Text()
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	return []string{text}, nil
}

func (t *Tesseract) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.client.Close()
}
