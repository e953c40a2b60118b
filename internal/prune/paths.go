package prune

import (
	"path"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	stampLayout     = "20060102-150405"
	untitled        = "(no subject)"
	unnamedPayload  = "attachment"
	unlabelledEntry = "(no name)"
)

var (
	unsafeRunes = regexp.MustCompile(`[\\/:*?"<>|]`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

// Sanitize makes s safe as a single path element: NFC-normalized, with
// separator and reserved characters replaced by '_' and whitespace
// collapsed.
func Sanitize(s string) string {
	s = norm.NFC.String(s)
	s = unsafeRunes.ReplaceAllString(s, "_")
	s = spaceRuns.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func FormatStamp(t time.Time) string {
	return t.Format(stampLayout)
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// PayloadPath is root/<stamp>_<title>_<name>.
func PayloadPath(root string, meta RecordMeta, name string) string {
	return path.Join(root, meta.Stamp+"_"+Sanitize(orDefault(meta.Title, untitled))+"_"+Sanitize(orDefault(name, unnamedPayload)))
}

// BodyPath is root/<stamp>_<title>.txt.
func BodyPath(root string, meta RecordMeta) string {
	return path.Join(root, meta.Stamp+"_"+Sanitize(orDefault(meta.Title, untitled))+".txt")
}
