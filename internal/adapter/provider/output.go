package provider

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/cwygoda/audioqueue/internal/domain"
)

var progressPattern = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)

// postProcessPrefixes mark the conversion stage that follows the download.
var postProcessPrefixes = []string{"[ExtractAudio]", "[ffmpeg]", "[FixupM4a]", "[Metadata]"}

const (
	downloadShare   = 90
	postProcessMark = 95
)

// parseProgress maps a line of command output to a job progress value.
// Download percentages fill 0-90; post-processing reports 95.
func parseProgress(line string) (int, bool) {
	if m := progressPattern.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		return int(math.Min(pct, 100) * downloadShare / 100), true
	}
	for _, prefix := range postProcessPrefixes {
		if strings.HasPrefix(line, prefix) {
			return postProcessMark, true
		}
	}
	return 0, false
}

type metadataLine struct {
	Title     *string  `json:"title"`
	Artist    *string  `json:"artist"`
	Duration  *float64 `json:"duration"`
	Thumbnail *string  `json:"thumbnail"`
}

// parseMetadata reads a JSON object line such as the one printed by
// yt-dlp --print. Lines without a title are ignored.
func parseMetadata(line string) (domain.Metadata, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return domain.Metadata{}, false
	}
	var ml metadataLine
	if err := json.Unmarshal([]byte(line), &ml); err != nil || ml.Title == nil {
		return domain.Metadata{}, false
	}
	meta := domain.Metadata{Title: *ml.Title}
	if ml.Artist != nil {
		meta.Artist = *ml.Artist
	}
	if ml.Duration != nil {
		meta.Duration = int(math.Round(*ml.Duration))
	}
	if ml.Thumbnail != nil {
		meta.Thumbnail = *ml.Thumbnail
	}
	return meta, true
}

var classifyRules = []struct {
	category domain.ErrorCategory
	needles  []string
}{
	{domain.CategoryInvalidSource, []string{"unsupported url", "is not a valid url", "invalid url"}},
	{domain.CategorySourceUnavailable, []string{"video unavailable", "unavailable", "private video", "has been removed", "http error 404"}},
	{domain.CategoryConversionFailed, []string{"ffmpeg", "ffprobe", "postprocessing", "audio conversion"}},
	{domain.CategoryNetworkError, []string{"unable to download", "connection", "timed out", "network", "temporary failure", "http error 5"}},
}

// classify maps command output to an error category. The first rule with
// a matching needle wins; anything else is unknown.
func classify(output string, cause error) *domain.ProviderError {
	lower := strings.ToLower(output)
	msg := lastErrorLine(output)
	for _, rule := range classifyRules {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				return domain.NewProviderError(rule.category, msg, cause)
			}
		}
	}
	return domain.NewProviderError(domain.CategoryUnknown, msg, cause)
}

// lastErrorLine picks the most useful line of output for error_message.
func lastErrorLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); strings.HasPrefix(l, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(l, "ERROR:"))
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return "command failed without output"
}
