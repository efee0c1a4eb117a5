package browsertest

import (
	"bytes"
	"encoding/base64"
)

// PNG returns a buffer that passes image signature checks, padded to `size`
// bytes.
func PNG(size int) []byte {
	header := []byte("\x89PNG\r\n\x1a\n")
	if size < len(header) {
		size = len(header)
	}
	return append(header, bytes.Repeat([]byte{0}, size-len(header))...)
}

// DataURI encodes `data` as a base64 png data uri.
func DataURI(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}
