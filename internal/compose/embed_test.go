package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectEmbed(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want *Embed
	}{
		{
			name: "no url",
			in:   "just words",
			want: nil,
		},
		{
			name: "youtube watch",
			in:   "see https://www.youtube.com/watch?v=dQw4w9WgXcQ now",
			want: &Embed{Type: EmbedYouTube, ID: "dQw4w9WgXcQ", URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		},
		{
			name: "youtube short link",
			in:   "https://youtu.be/abc123",
			want: &Embed{Type: EmbedYouTube, ID: "abc123", URL: "https://youtu.be/abc123"},
		},
		{
			name: "youtube shorts",
			in:   "https://youtube.com/shorts/xyz789",
			want: &Embed{Type: EmbedYouTube, ID: "xyz789", URL: "https://youtube.com/shorts/xyz789"},
		},
		{
			name: "tweet",
			in:   "https://x.com/someone/status/12345",
			want: &Embed{Type: EmbedTwitter, ID: "12345", URL: "https://x.com/someone/status/12345"},
		},
		{
			name: "direct image",
			in:   "look https://cdn.example.com/pic.PNG",
			want: &Embed{Type: EmbedImage, URL: "https://cdn.example.com/pic.PNG"},
		},
		{
			name: "plain link is not embeddable",
			in:   "https://example.com/article",
			want: nil,
		},
		{
			name: "first url wins",
			in:   "https://youtu.be/first https://youtu.be/second",
			want: &Embed{Type: EmbedYouTube, ID: "first", URL: "https://youtu.be/first"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectEmbed(tt.in))
		})
	}
}

// Spoiler markup is storage-transparent: detection still sees the URL and
// the markers survive untouched around it.
func TestDetectEmbedIgnoresSpoilerMarkup(t *testing.T) {
	text := "check this ||twist|| out https://youtu.be/abc123"
	embed := DetectEmbed(text)
	require.NotNil(t, embed)
	assert.Equal(t, EmbedYouTube, embed.Type)
	assert.Equal(t, "abc123", embed.ID)
}
