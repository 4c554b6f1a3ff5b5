// Package claude implements the provider adapter for the Claude Code CLI,
// which streams newline-delimited JSON over stdout.
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mfadeev/tether/internal/adapter"
	"github.com/mfadeev/tether/internal/domain"
)

// scanBufferSize bounds a single JSONL line; tool outputs can be large.
const scanBufferSize = 4 << 20

// Adapter drives the provider CLI as a subprocess, one invocation per send.
type Adapter struct {
	bin    string
	model  string
	logger *slog.Logger
}

// New creates an adapter for the given CLI binary. model may be empty, in
// which case the provider default applies.
func New(bin, model string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{bin: bin, model: model, logger: logger}
}

// Name identifies the provider.
func (a *Adapter) Name() string {
	return "claude"
}

// modelAliases collapses long provider model identifiers to the short names
// the CLI accepts.
var modelAliases = map[string]string{
	"claude-opus-4-5-20251101":   "opus",
	"claude-sonnet-4-5-20250929": "sonnet",
	"claude-sonnet-4-20250514":   "sonnet",
	"claude-3-7-sonnet-20250219": "sonnet",
	"claude-3-5-haiku-20241022":  "haiku",
}

func normalizeModel(name string) string {
	if alias, ok := modelAliases[name]; ok {
		return alias
	}
	for _, short := range []string{"opus", "sonnet", "haiku"} {
		if strings.Contains(name, short) {
			return short
		}
	}
	return name
}

func (a *Adapter) buildArgs(opts domain.SessionOptions, multiModal bool) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if multiModal {
		args = append(args, "--input-format", "stream-json")
	}

	model := opts.Model
	if model == "" {
		model = a.model
	}
	if model != "" {
		args = append(args, "--model", normalizeModel(model))
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	for _, dir := range opts.AddDirs {
		args = append(args, "--add-dir", dir)
	}
	return args
}

// Stream invokes the CLI and yields transformed domain messages in order.
func (a *Adapter) Stream(ctx context.Context, prompt domain.UserContent, opts domain.SessionOptions) iter.Seq2[*adapter.StreamItem, error] {
	return func(yield func(*adapter.StreamItem, error) bool) {
		multiModal := len(prompt.Blocks) > 0

		cmd := exec.CommandContext(ctx, a.bin, a.buildArgs(opts, multiModal)...)
		if opts.ProjectPath != "" {
			cmd.Dir = opts.ProjectPath
		}

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			yield(nil, fmt.Errorf("provider stdin: %w", err))
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(nil, fmt.Errorf("provider stdout: %w", err))
			return
		}

		if err := cmd.Start(); err != nil {
			yield(nil, fmt.Errorf("start provider %s: %w", a.bin, err))
			return
		}

		go func() {
			defer func() {
				if closeErr := stdin.Close(); closeErr != nil {
					a.logger.Debug("failed to close provider stdin", "error", closeErr)
				}
			}()
			if err := writePrompt(stdin, prompt, multiModal); err != nil {
				a.logger.Warn("failed to write prompt to provider", "error", err)
			}
		}()

		t := &transformer{}
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var raw rawMessage
			if err := json.Unmarshal(line, &raw); err != nil {
				a.logger.Debug("skipping unparseable provider line", "error", err)
				continue
			}

			items, err := t.handle(&raw)
			if err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				yield(nil, err)
				return
			}
			for _, item := range items {
				if !yield(item, nil) {
					_ = cmd.Process.Kill()
					_ = cmd.Wait()
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			_ = cmd.Wait()
			yield(nil, fmt.Errorf("read provider stream: %w", err))
			return
		}

		if err := cmd.Wait(); err != nil {
			yield(nil, fmt.Errorf("provider exited: %w: %s", err, stderrTail(&stderr)))
		}
	}
}

func writePrompt(w io.Writer, prompt domain.UserContent, multiModal bool) error {
	if !multiModal {
		_, err := io.WriteString(w, prompt.Text)
		return err
	}

	envelope := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": promptBlocks(prompt.Blocks),
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func promptBlocks(blocks []domain.ContentBlock) []map[string]any {
	out := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "image":
			out = append(out, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": b.MediaType,
					"data":       b.Data,
				},
			})
		default:
			out = append(out, map[string]any{"type": "text", "text": b.Text})
		}
	}
	return out
}

func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	const max = 512
	if len(s) > max {
		s = s[len(s)-max:]
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
