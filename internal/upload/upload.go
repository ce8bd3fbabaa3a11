// internal/upload/upload.go

package upload

import "context"

// Uploader is the opaque image-hosting capability. Implementations must
// tolerate arbitrary latency; the core awaits the call with no retry policy
// of its own.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename, contentType string) (string, error)
}
