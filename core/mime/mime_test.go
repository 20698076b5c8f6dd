package mime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentType(t *testing.T) {
	tests := map[string]string{
		".html": "text/html",
		".HTML": "text/html",
		".js":   "text/javascript",
		".css":  "text/css",
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".png":  "image/png",
		".ico":  "image/x-icon",
		".bin":  Default,
		"":      Default,
	}

	for ext, want := range tests {
		assert.Equal(t, want, ContentType(ext), ext)
	}
}

func TestForFile(t *testing.T) {
	assert.Equal(t, "text/html", ForFile("index.html"))
	assert.Equal(t, "image/x-icon", ForFile("static/favicon.ico"))
	assert.Equal(t, Default, ForFile("Makefile"))
}
