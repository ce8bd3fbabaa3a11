// internal/compose/embed.go
// Embed detection: classify the first URL in a message. Rendering is the
// display layer's concern; detection is pure.

package compose

import "regexp"

const (
	EmbedYouTube = "youtube"
	EmbedTwitter = "twitter"
	EmbedImage   = "image"
)

// Embed describes embeddable content found in message text.
type Embed struct {
	Type string // EmbedYouTube, EmbedTwitter or EmbedImage
	ID   string // video or tweet id; empty for images
	URL  string
}

var (
	urlPattern     = regexp.MustCompile(`https?://[^\s]+`)
	youtubePattern = regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/embed/)([^&\n?#]+)`)
	shortsPattern  = regexp.MustCompile(`youtube\.com/shorts/([^&\n?#]+)`)
	tweetPattern   = regexp.MustCompile(`(?:twitter\.com|x\.com)/\w+/status/(\d+)`)
	imagePattern   = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp)$`)
)

// YouTubeVideoID extracts the video id from watch, share, embed and shorts
// URL forms. Empty when the URL is not a YouTube video.
func YouTubeVideoID(url string) string {
	for _, pattern := range []*regexp.Regexp{youtubePattern, shortsPattern} {
		if m := pattern.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	return ""
}

// TweetID extracts the status id from a twitter.com or x.com URL.
func TweetID(url string) string {
	if m := tweetPattern.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}

// DetectEmbed scans text for the first URL and classifies it. Returns nil
// when the text holds no URL or the URL is not embeddable.
func DetectEmbed(text string) *Embed {
	url := urlPattern.FindString(text)
	if url == "" {
		return nil
	}
	if id := YouTubeVideoID(url); id != "" {
		return &Embed{Type: EmbedYouTube, ID: id, URL: url}
	}
	if id := TweetID(url); id != "" {
		return &Embed{Type: EmbedTwitter, ID: id, URL: url}
	}
	if imagePattern.MatchString(url) {
		return &Embed{Type: EmbedImage, URL: url}
	}
	return nil
}
