package media

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Fallbacks used when a value normalizes to nothing
const (
	DefaultCategory  = "uncategorized"
	defaultSlug      = "untitled"
	defaultVideoExt  = "mp4"
	defaultThumbExt  = "jpg"
	maxSlugLength    = 80
	videoPrefix      = "videos"
	thumbnailsPrefix = "thumbnails"
)

// NormalizeCategory lowercases a category and replaces every character
// outside [a-z0-9-_] with '-', so it is safe as a path segment.
func NormalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	var b strings.Builder
	for _, r := range c {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return DefaultCategory
	}
	return out
}

// Slugify turns a title into lowercase words joined by single hyphens.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > maxSlugLength {
		out = strings.TrimSuffix(out[:maxSlugLength], "-")
	}
	if out == "" {
		return defaultSlug
	}
	return out
}

// extension returns the lowercase extension of p without the dot.
func extension(p, fallback string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ext == "" || strings.ContainsAny(ext, "/?#") {
		return fallback
	}
	return ext
}

// Targets holds the production paths a staged clip is moved to.
type Targets struct {
	Video     string
	Thumbnail string // Empty when the clip has no thumbnail
}

// TargetPaths computes videos/{category}/{slug}-{ts}.{ext} and the matching
// thumbnails/ path. The timestamp is Unix milliseconds.
func TargetPaths(category, title, videoSrc, thumbSrc string, at time.Time) Targets {
	base := fmt.Sprintf("%s-%d", Slugify(title), at.UnixMilli())
	cat := NormalizeCategory(category)

	t := Targets{
		Video: path.Join(videoPrefix, cat, base+"."+extension(videoSrc, defaultVideoExt)),
	}
	if thumbSrc != "" {
		t.Thumbnail = path.Join(thumbnailsPrefix, cat, base+"."+extension(thumbSrc, defaultThumbExt))
	}
	return t
}
