package orgs

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const maxSlugBaseLength = 50

var (
	slugInvalidChars = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugWhitespace   = regexp.MustCompile(`\s+`)
	slugDashes       = regexp.MustCompile(`-+`)
)

// SlugBase normalizes an organization name into the slug prefix: lowercase,
// only [a-z0-9-], whitespace folded into single dashes, at most 50 chars.
// An empty result becomes "org".
func SlugBase(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugInvalidChars.ReplaceAllString(slug, "")
	slug = slugWhitespace.ReplaceAllString(slug, "-")
	slug = slugDashes.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugBaseLength {
		slug = strings.TrimRight(slug[:maxSlugBaseLength], "-")
	}
	if slug == "" {
		slug = "org"
	}
	return slug
}

// GenerateSlug returns "<base>-<unix millis>" for name at t
func GenerateSlug(name string, t time.Time) string {
	return SlugBase(name) + "-" + strconv.FormatInt(t.UnixMilli(), 10)
}
