package protocol

import (
	"fmt"
	"html"
	"regexp"
)

// ViewOncePlaceholder is shown for view-once messages that carry no reveal token.
const ViewOncePlaceholder = "[View-once media]"

// MediaKind classifies uploaded content for message formatting.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaOther MediaKind = "other"
)

var revealTokenPattern = regexp.MustCompile(`(?i)/view/([a-f0-9]+)`)

var mediaTagPattern = regexp.MustCompile(`<(img|video)[^>]*>`)

// ExtractRevealToken returns the first /view/<hex> token referenced by content.
func ExtractRevealToken(content string) (string, bool) {
	match := revealTokenPattern.FindStringSubmatch(content)
	if len(match) < 2 {
		return "", false
	}
	return match[1], true
}

// ContainsMedia reports whether content embeds an image or video element.
func ContainsMedia(content string) bool {
	return mediaTagPattern.MatchString(content)
}

// FormatMedia renders the message content used to share an uploaded reference.
func FormatMedia(kind MediaKind, reference, name string) string {
	src := html.EscapeString(reference)
	switch kind {
	case MediaImage:
		return fmt.Sprintf("<img src='%s' alt='image' />", src)
	case MediaVideo:
		return fmt.Sprintf("<video src='%s' controls></video>", src)
	default:
		label := name
		if label == "" {
			label = reference
		}
		return fmt.Sprintf("<a href='%s' target='_blank'>%s</a>", src, html.EscapeString(label))
	}
}
