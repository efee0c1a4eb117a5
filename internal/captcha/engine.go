package captcha

import (
	"context"
	"io"
	"sync"
)

// OCR turns an image file into zero or more fragments of free text, no
// structure is guaranteed.
type OCR interface {
	Recognize(ctx context.Context, imagePath string) ([]string, error)
}

// EngineHolder lazily initializes an OCR engine on first use and hands out
// the same engine for the rest of the process. Engines are typically
// expensive to load (model files) so this should be created once and shared.
type EngineHolder struct {
	init func() (OCR, error)

	mutex  sync.Mutex
	loaded bool
	engine OCR
	err    error
}

func NewEngineHolder(init func() (OCR, error)) *EngineHolder {
	return &EngineHolder{init: init}
}

// Engine returns the engine, initializing it if this is the first call. An
// initialization failure is remembered and returned on every call.
func (h *EngineHolder) Engine() (OCR, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.loaded {
		h.engine, h.err = h.init()
		h.loaded = true
	}
	return h.engine, h.err
}

// Close releases the engine if it was ever loaded and can be closed.
func (h *EngineHolder) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.loaded || h.engine == nil {
		return nil
	}
	closer, ok := h.engine.(io.Closer)
	if !ok {
		return nil
	}
	return closer.Close()
}
