package thumbnail

import "strings"

// Format is the encoding of a cached thumbnail.
type Format string

const (
	WebP Format = "webp"
	PNG  Format = "png"
)

// Negotiate picks webp when the Accept header allows it, png otherwise.
func Negotiate(accept string) Format {
	if strings.Contains(strings.ToLower(accept), "image/webp") {
		return WebP
	}
	return PNG
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == WebP {
		return "image/webp"
	}
	return "image/png"
}
