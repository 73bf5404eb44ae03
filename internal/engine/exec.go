package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cuongbtq/media-jobs/internal/domain"
)

// ArtifactResolver maps an artifact reference to a local file path
type ArtifactResolver interface {
	Path(ref string) (string, error)
}

// ExecConfig configures an external transcriber command.
//
// Args may contain the placeholders {input}, {model}, {language} and {output_dir}.
type ExecConfig struct {
	Command            string
	Args               []string
	Profiles           map[string]string
	DefaultProfile     string
	DefaultLanguage    string
	PermanentExitCodes []int
	WorkDir            string
}

// DefaultWhisperArgs runs the whisper CLI writing a plain-text transcript
var DefaultWhisperArgs = []string{
	"{input}",
	"--model", "{model}",
	"--language", "{language}",
	"--output_format", "txt",
	"--output_dir", "{output_dir}",
}

// ExecEngine runs one external process per job. The process is killed when
// ctx is done, which is how the soft deadline reaches it.
type ExecEngine struct {
	config    ExecConfig
	artifacts ArtifactResolver
	logger    *slog.Logger
}

// NewExecEngine creates an ExecEngine
func NewExecEngine(config ExecConfig, artifacts ArtifactResolver, logger *slog.Logger) *ExecEngine {
	if len(config.Args) == 0 {
		config.Args = DefaultWhisperArgs
	}
	if config.DefaultLanguage == "" {
		config.DefaultLanguage = "en"
	}
	return &ExecEngine{
		config:    config,
		artifacts: artifacts,
		logger:    logger,
	}
}

func (e *ExecEngine) Process(ctx context.Context, artifactRef string, params domain.Parameters) (string, error) {
	profile := params.Engine
	if profile == "" {
		profile = e.config.DefaultProfile
	}
	model, ok := e.config.Profiles[profile]
	if !ok {
		return "", Permanent(fmt.Errorf("unknown engine profile %q", profile))
	}

	language := params.Language
	if language == "" {
		language = e.config.DefaultLanguage
	}

	input, err := e.artifacts.Path(artifactRef)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", Permanent(fmt.Errorf("artifact %s: %w", artifactRef, err))
		}
		return "", Transient(err)
	}
	if _, err := os.Stat(input); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", Permanent(fmt.Errorf("artifact %s is missing", artifactRef))
		}
		return "", Transient(err)
	}

	outDir, err := os.MkdirTemp(e.config.WorkDir, "job-*")
	if err != nil {
		return "", Transient(fmt.Errorf("failed to create output dir: %w", err))
	}
	defer os.RemoveAll(outDir)

	replacer := strings.NewReplacer(
		"{input}", input,
		"{model}", model,
		"{language}", language,
		"{output_dir}", outDir,
	)
	args := make([]string, len(e.config.Args))
	for i, arg := range e.config.Args {
		args[i] = replacer.Replace(arg)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.config.Command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	e.logger.Debug("Running engine command",
		slog.String("command", e.config.Command),
		slog.String("profile", profile),
		slog.String("model", model),
		slog.String("language", language),
	)

	started := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", Transient(fmt.Errorf("engine interrupted: %w", ctx.Err()))
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			cause := fmt.Errorf("exit code %d: %s", code, lastLine(stderr.String()))
			if slices.Contains(e.config.PermanentExitCodes, code) {
				return "", Permanent(cause)
			}
			return "", Transient(cause)
		}
		return "", Transient(err)
	}

	e.logger.Debug("Engine command finished",
		slog.String("model", model),
		slog.Duration("duration", time.Since(started)),
	)

	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	transcript, err := os.ReadFile(filepath.Join(outDir, stem+".txt"))
	if err == nil {
		return strings.TrimSpace(string(transcript)), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", Transient(fmt.Errorf("failed to read transcript: %w", err))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
