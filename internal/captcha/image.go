package captcha

import "bytes"

// MinImageSize is the smallest buffer that is treated as a real captcha
// image, anything smaller is usually a blank placeholder.
const MinImageSize = 100

// CodeLength is the number of characters in a portal captcha.
const CodeLength = 4

type imageFormat struct {
	ext       string
	signature []byte
}

var imageFormats = []imageFormat{
	{ext: ".png", signature: []byte("\x89PNG\r\n\x1a\n")},
	{ext: ".jpg", signature: []byte{0xff, 0xd8}},
	{ext: ".gif", signature: []byte("GIF87a")},
	{ext: ".gif", signature: []byte("GIF89a")},
}

// sniffFormat returns the file extension of the image container `img` is
// in, or false if it does not start with a known signature.
func sniffFormat(img []byte) (string, bool) {
	for _, f := range imageFormats {
		if bytes.HasPrefix(img, f.signature) {
			return f.ext, true
		}
	}
	return "", false
}
