package assetcache

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// sizeSuffix matches a numeric-pixel variant suffix immediately before an
// image extension.
var sizeSuffix = regexp.MustCompile(`(?i)-\d+px(\.(?:jpe?g|png|webp))$`)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// IsImage reports whether p names an image asset by extension.
func IsImage(p string) bool {
	return imageExts[strings.ToLower(path.Ext(p))]
}

// Canonicalize returns the cache key for rawURL.
//
// The fragment is always dropped and the path is put in NFC form. Image
// URLs also lose their query and any "-<digits>px" suffix before the
// extension. Relative URLs stay relative.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("canonicalize %q: %w", rawURL, err)
	}
	u.Fragment = ""
	u.RawFragment = ""

	p := norm.NFC.String(u.Path)
	if IsImage(p) {
		p = sizeSuffix.ReplaceAllString(p, "$1")
		u.RawQuery = ""
		u.ForceQuery = false
	}
	u.Path = p
	u.RawPath = ""

	return u.String(), nil
}
