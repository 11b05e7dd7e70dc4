package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPutOptionsServeSVGAsAttachment(t *testing.T) {
	opts := putOptions("image/svg+xml")
	assert.Equal(t, "image/svg+xml", opts.ContentType)
	assert.Equal(t, "attachment", opts.ContentDisposition)

	for _, mimeType := range []string{"image/png", "image/jpeg", "video/mp4", "application/pdf"} {
		opts := putOptions(mimeType)
		assert.Equal(t, mimeType, opts.ContentType)
		assert.Empty(t, opts.ContentDisposition, mimeType)
	}
}
