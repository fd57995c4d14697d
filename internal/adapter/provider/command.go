package provider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/audioqueue/internal/config"
	"github.com/cwygoda/audioqueue/internal/domain"
)

// CommandProvider runs an external command for matching URLs and collects
// the converted file it leaves in a per-job working directory.
type CommandProvider struct {
	name        string
	pattern     *regexp.Regexp
	command     string
	args        []string
	timeout     time.Duration
	artifactDir string
	logger      *slog.Logger
}

// NewCommandProvider creates a provider from config. Converted files are
// moved into artifactDir.
func NewCommandProvider(pc config.ProviderConfig, artifactDir string, logger *slog.Logger) (*CommandProvider, error) {
	re, err := regexp.Compile(pc.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pc.Pattern, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandProvider{
		name:        pc.Name,
		pattern:     re,
		command:     pc.Command,
		args:        pc.Args,
		timeout:     pc.Timeout,
		artifactDir: config.ExpandPath(artifactDir),
		logger:      logger.With("provider", pc.Name),
	}, nil
}

func (p *CommandProvider) Name() string {
	return p.name
}

func (p *CommandProvider) Match(url string) bool {
	return p.pattern.MatchString(url)
}

// ArtifactDir returns where converted files are stored.
func (p *CommandProvider) ArtifactDir() string {
	return p.artifactDir
}

// Fetch runs the command for job and returns the stored artifact. Progress
// parsed from the command output is reported through onProgress. When ctx
// is cancelled the command is killed and ctx.Err() is returned.
func (p *CommandProvider) Fetch(ctx context.Context, job *domain.Job, onProgress domain.ProgressFunc) (*domain.FetchResult, error) {
	workDir, err := os.MkdirTemp("", fmt.Sprintf("audioqueue-job-%d-*", job.ID))
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	name := uuid.NewString()
	args := p.expandArgs(job, workDir, name)

	runCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.logger.Debug("running provider command", "job_id", job.ID, "command", p.command, "dir", workDir)
	meta, err := p.run(runCtx, workDir, args, onProgress)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, domain.NewProviderError(domain.CategoryNetworkError,
			fmt.Sprintf("%s timed out after %s", p.name, p.timeout), err)
	}
	if err != nil {
		return nil, err
	}

	src, err := findOutput(workDir, name, job.Source.Format)
	if err != nil {
		return nil, err
	}
	result, err := p.store(src, name+filepath.Ext(src))
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	p.logger.Info("artifact stored", "job_id", job.ID, "path", result.Path, "size", result.Size)
	return &domain.FetchResult{Result: *result, Metadata: meta}, nil
}

func (p *CommandProvider) expandArgs(job *domain.Job, dir, name string) []string {
	r := strings.NewReplacer(
		"{url}", job.Source.URL,
		"{format}", job.Source.Format,
		"{dir}", dir,
		"{name}", name,
	)
	args := make([]string, len(p.args))
	for i, arg := range p.args {
		args[i] = r.Replace(arg)
	}
	return args
}

// run executes the command, scanning stdout for progress and metadata.
// A non-zero exit is returned as a classified *domain.ProviderError.
func (p *CommandProvider) run(ctx context.Context, dir string, args []string, onProgress domain.ProgressFunc) (domain.Metadata, error) {
	var meta domain.Metadata

	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	killProcessGroup(cmd)
	stderr := &tailBuffer{max: 8 << 10}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return meta, err
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return meta, domain.NewProviderError(domain.CategoryUnknown, fmt.Sprintf("command %q not found", p.command), err)
		}
		return meta, fmt.Errorf("start %s: %w", p.command, err)
	}

	out := &tailBuffer{max: 8 << 10}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line + "\n")
		if pct, ok := parseProgress(line); ok && onProgress != nil {
			onProgress(pct)
		}
		if m, ok := parseMetadata(line); ok {
			meta = m
		}
	}
	// Drain so the command never blocks on a full pipe after a scan error.
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return meta, ctx.Err()
		}
		output := stderr.String()
		if strings.TrimSpace(output) == "" {
			output = out.String()
		}
		return meta, classify(output, fmt.Errorf("%s failed: %w", p.command, err))
	}
	return meta, nil
}

// findOutput locates the file the command produced for name, preferring
// the requested format.
func findOutput(dir, name, format string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, name+".*"))
	if err != nil {
		return "", err
	}
	var fallback string
	for _, m := range matches {
		ext := strings.TrimPrefix(filepath.Ext(m), ".")
		if ext == format {
			return m, nil
		}
		if ext != "part" && ext != "ytdl" && fallback == "" {
			fallback = m
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", domain.NewProviderError(domain.CategoryConversionFailed, "no output file produced", nil)
}

// store moves src into the artifact directory under name.
func (p *CommandProvider) store(src, name string) (*domain.Result, error) {
	if err := os.MkdirAll(p.artifactDir, 0755); err != nil {
		return nil, err
	}
	dst := filepath.Join(p.artifactDir, name)
	if err := os.Rename(src, dst); err != nil {
		// Cross-device fallback
		if err := copyFile(src, dst); err != nil {
			os.Remove(dst)
			return nil, err
		}
		os.Remove(src)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return nil, err
	}
	return &domain.Result{Path: dst, Size: info.Size()}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) WriteString(s string) {
	_, _ = b.Write([]byte(s))
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
