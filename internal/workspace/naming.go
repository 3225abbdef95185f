package workspace

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxSlugLen bounds the slug so branch names and directory names stay short.
const maxSlugLen = 40

// Slugify converts an entity id ("Issue #42: Fix Café login") into a slug
// usable in branch and directory names ("issue-42-fix-cafe-login").
// Accents are folded to their base letters; anything else outside [a-z0-9]
// becomes a single dash.
func Slugify(text string) string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, text)
	if err != nil {
		folded = text
	}

	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}

	s := sb.String()
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
	}
	return strings.Trim(s, "-")
}

// disambiguate appends a short stable hash of entityID to slug. Used when two
// entities slug to the same value.
func disambiguate(slug, entityID string) string {
	sum := sha1.Sum([]byte(entityID))
	return fmt.Sprintf("%s-%s", slug, hex.EncodeToString(sum[:])[:6])
}

// WorkspaceID returns the workspace id for a slug.
func WorkspaceID(slug string) string {
	return "ws-" + slug
}

// BranchName returns the branch for a slug under prefix.
func BranchName(prefix, slug string) string {
	return prefix + "/" + slug
}
