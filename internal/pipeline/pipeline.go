// Package pipeline models the worker's three external collaborators --
// decoder, transcoder, transcriber -- as capability interfaces (spec.md
// §9: "model decoder and transcriber behind a capability... so tests can
// inject a deterministic fake"), plus an os/exec-backed implementation
// of each.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dinccey/distributed-batch-stt/internal/ringbuffer"
)

// Decoder measures the duration of an audio file. Used only for
// reporting (spec.md §4.4 step 3).
type Decoder interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Transcoder converts an audio file to the canonical 16 kHz mono PCM
// WAV the transcription engine expects (spec.md §4.4 step 4).
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string) error
}

// Options is the transcription engine's fixed parameter set (spec.md
// §4.4 step 5).
type Options struct {
	BeamSize         int
	EntropyThreshold float64
	MaxContext       int
	VADEnabled       bool
	VADModel         string
}

// DefaultOptions returns the fixed parameter set spec.md §4.4 mandates.
func DefaultOptions() Options {
	return Options{BeamSize: 5, EntropyThreshold: 2.8, MaxContext: 64}
}

// Transcriber invokes the transcription engine against a WAV file,
// writing a WebVTT artifact to dst and returning once the subprocess
// exits. Live stdout/stderr lines are pushed onto stdout/stderr as they
// arrive so the caller can tail them for error reporting even though
// Transcribe itself only returns once the subprocess is done.
type Transcriber interface {
	Transcribe(ctx context.Context, src, dst, language string, opts Options, stdout, stderr *ringbuffer.Buffer) error
}

// ExecDecoder shells out to ffprobe to read a clip's duration.
type ExecDecoder struct {
	// Bin overrides the decoder binary; defaults to "ffprobe".
	Bin string
}

func (d ExecDecoder) bin() string {
	if d.Bin != "" {
		return d.Bin
	}
	return "ffprobe"
}

func (d ExecDecoder) Duration(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, d.bin(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("pipeline: decode duration: %w", err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("pipeline: parse duration %q: %w", out.String(), err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// ExecTranscoder shells out to ffmpeg to produce a 16 kHz mono WAV.
type ExecTranscoder struct {
	// Bin overrides the transcoder binary; defaults to "ffmpeg".
	Bin string
}

func (t ExecTranscoder) bin() string {
	if t.Bin != "" {
		return t.Bin
	}
	return "ffmpeg"
}

func (t ExecTranscoder) Transcode(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, t.bin(),
		"-y", "-i", src,
		"-ar", "16000", "-ac", "1",
		dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pipeline: transcode: %w: %s", err, stderr.String())
	}
	return nil
}

// ExecTranscriber shells out to the transcription engine binary.
type ExecTranscriber struct {
	// Bin overrides the transcriber binary; defaults to "whisper".
	Bin string
}

func (tr ExecTranscriber) bin() string {
	if tr.Bin != "" {
		return tr.Bin
	}
	return "whisper"
}

func (tr ExecTranscriber) Transcribe(ctx context.Context, src, dst, language string, opts Options, stdoutBuf, stderrBuf *ringbuffer.Buffer) error {
	args := []string{
		src,
		"--language", language,
		"--beam_size", strconv.Itoa(opts.BeamSize),
		"--logprob_threshold", strconv.FormatFloat(-opts.EntropyThreshold, 'f', -1, 64),
		"--max-context", strconv.Itoa(opts.MaxContext),
		"--condition_on_previous_text", "True",
	}
	if opts.VADEnabled && opts.VADModel != "" {
		args = append(args, "--vad_filter", "True", "--vad_model", opts.VADModel)
	}
	args = append(args, "--output", dst)

	cmd := exec.CommandContext(ctx, tr.bin(), args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipeline: transcribe stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipeline: transcribe stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("pipeline: transcribe start: %w", err)
	}

	// Two short-lived reader goroutines drain stdout/stderr into bounded
	// ring buffers so a chatty engine can never block on a full pipe
	// (spec.md §5). errgroup collects both and surfaces the first error.
	var g errgroup.Group
	g.Go(func() error {
		return ringbuffer.Drain(stdoutPipe, stdoutBuf, os.Stdout)
	})
	g.Go(func() error {
		return ringbuffer.Drain(stderrPipe, stderrBuf, nil)
	})

	drainErr := g.Wait()
	waitErr := cmd.Wait()
	if waitErr != nil {
		return fmt.Errorf("pipeline: transcribe: %w", waitErr)
	}
	if drainErr != nil {
		return fmt.Errorf("pipeline: transcribe output drain: %w", drainErr)
	}
	return nil
}
