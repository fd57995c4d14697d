package provider

import (
	"errors"
	"testing"

	"github.com/cwygoda/audioqueue/internal/domain"
)

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line   string
		want   int
		wantOK bool
	}{
		{"[download]   0.0% of 3.50MiB at 1.00MiB/s ETA 00:03", 0, true},
		{"[download]  45.3% of 3.50MiB", 40, true},
		{"[download] 100% of 3.50MiB in 00:02", 90, true},
		{"[ExtractAudio] Destination: x.mp3", 95, true},
		{"[youtube] abc: Downloading webpage", 0, false},
		{"[download] Destination: x.webm", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := parseProgress(tt.line)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("parseProgress(%q) = (%d, %v), want (%d, %v)", tt.line, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseMetadata(t *testing.T) {
	meta, ok := parseMetadata(`{"title": "Song", "artist": null, "duration": 59.6, "thumbnail": null}`)
	if !ok {
		t.Fatal("parseMetadata() ok = false")
	}
	if meta != (domain.Metadata{Title: "Song", Duration: 60}) {
		t.Errorf("parseMetadata() = %+v", meta)
	}

	for _, line := range []string{"not json", `{"artist": "x"}`, `{broken`} {
		if _, ok := parseMetadata(line); ok {
			t.Errorf("parseMetadata(%q) ok = true, want false", line)
		}
	}
}

func TestClassify(t *testing.T) {
	cause := errors.New("exit status 1")
	tests := []struct {
		output  string
		want    domain.ErrorCategory
		wantMsg string
	}{
		{"WARNING: x\nERROR: Unsupported URL: https://a.b/c\n", domain.CategoryInvalidSource, "Unsupported URL: https://a.b/c"},
		{"ERROR: [youtube] id: Video unavailable", domain.CategorySourceUnavailable, "[youtube] id: Video unavailable"},
		{"ERROR: unable to download video data: HTTP Error 404: Not Found", domain.CategorySourceUnavailable, "unable to download video data: HTTP Error 404: Not Found"},
		{"ERROR: Postprocessing: Conversion failed!", domain.CategoryConversionFailed, "Postprocessing: Conversion failed!"},
		{"ERROR: Read timed out.", domain.CategoryNetworkError, "Read timed out."},
		{"", domain.CategoryUnknown, "command failed without output"},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			pe := classify(tt.output, cause)
			if pe.Category != tt.want {
				t.Errorf("classify(%q) category = %q, want %q", tt.output, pe.Category, tt.want)
			}
			if pe.Message != tt.wantMsg {
				t.Errorf("classify(%q) message = %q, want %q", tt.output, pe.Message, tt.wantMsg)
			}
			if !errors.Is(pe, cause) {
				t.Error("classify() lost the cause")
			}
		})
	}
}
