package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dinccey/distributed-batch-stt/internal/ringbuffer"
)

// FakeDecoder returns a fixed duration, or Err if set.
type FakeDecoder struct {
	Fixed time.Duration
	Err   error
}

func (f FakeDecoder) Duration(ctx context.Context, path string) (time.Duration, error) {
	return f.Fixed, f.Err
}

// FakeTranscoder copies the source file's bytes to dst, or returns Err.
type FakeTranscoder struct {
	Err error
}

func (f FakeTranscoder) Transcode(ctx context.Context, src, dst string) error {
	if f.Err != nil {
		return f.Err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("pipeline: fake transcode read: %w", err)
	}
	return os.WriteFile(dst, data, 0o644)
}

// FakeTranscriber writes a fixed VTT body to dst, or returns Err. It
// also pushes StdoutLines/StderrLines into the caller-supplied ring
// buffers so error-path tests can assert on tail content.
type FakeTranscriber struct {
	VTTBody     string
	StdoutLines []string
	StderrLines []string
	Err         error
}

func (f FakeTranscriber) Transcribe(ctx context.Context, src, dst, language string, opts Options, stdout, stderr *ringbuffer.Buffer) error {
	for _, l := range f.StdoutLines {
		stdout.Push(l)
	}
	for _, l := range f.StderrLines {
		stderr.Push(l)
	}
	if f.Err != nil {
		return f.Err
	}
	return os.WriteFile(dst, []byte(f.VTTBody), 0o644)
}
