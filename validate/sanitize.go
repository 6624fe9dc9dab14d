package validate

import (
	"html"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Sanitization stage names accepted by Sanitize.
const (
	StageTrim       = "trim"
	StageHTMLEscape = "html_escape"
	StageStripNull  = "strip_null"
	StageNormalize  = "normalize"
	StageStripTags  = "strip_tags"
	StageSQLEscape  = "sql_escape"
)

// defaultStages is the standard pipeline applied when no stages are
// named: trim, HTML-escape, null-byte removal, NFC normalization.
var defaultStages = []string{StageTrim, StageHTMLEscape, StageStripNull, StageNormalize}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Sanitize runs the named stages in order; nil means the default
// pipeline. Unknown stage names are skipped.
func Sanitize(value string, stages []string) string {
	if stages == nil {
		stages = defaultStages
	}
	for _, stage := range stages {
		switch stage {
		case StageTrim:
			value = strings.TrimSpace(value)
		case StageHTMLEscape:
			value = html.EscapeString(value)
		case StageStripNull:
			value = strings.ReplaceAll(value, "\x00", "")
		case StageNormalize:
			value = norm.NFC.String(value)
		case StageStripTags:
			value = tagPattern.ReplaceAllString(value, "")
		case StageSQLEscape:
			value = strings.ReplaceAll(value, "'", "''")
		}
	}
	return value
}
