package watermark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/l0p7/listingkit/internal/templates"
)

// CommandData is the template context for render command arguments.
type CommandData struct {
	Input  string
	Output string
	// Text is the raw watermark text. Command arguments that hand it to a
	// tool with its own escape syntax should use AnnotateText or DrawText.
	Text string
	// AnnotateText is Text escaped for ImageMagick -annotate: no @file
	// reads, no %[...] property expansion.
	AnnotateText string
	// DrawText is Text escaped for a single-quoted ffmpeg drawtext value.
	DrawText string
	Position string
	// Gravity is the ImageMagick gravity name for Position.
	Gravity string
	// Overlay is the ffmpeg x/y expression for Position.
	Overlay string
	Opacity string
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

var gravities = map[Position]string{
	TopLeft:     "NorthWest",
	TopRight:    "NorthEast",
	BottomLeft:  "SouthWest",
	BottomRight: "SouthEast",
	Center:      "Center",
}

var overlays = map[Position]string{
	TopLeft:     "x=16:y=16",
	TopRight:    "x=w-tw-16:y=16",
	BottomLeft:  "x=16:y=h-th-16",
	BottomRight: "x=w-tw-16:y=h-th-16",
	Center:      "x=(w-tw)/2:y=(h-th)/2",
}

var extensions = map[string]string{
	"image/png":        ".png",
	"image/jpeg":       ".jpg",
	"image/gif":        ".gif",
	"image/webp":       ".webp",
	"image/bmp":        ".bmp",
	"image/tiff":       ".tiff",
	"image/heic":       ".heic",
	"image/avif":       ".avif",
	"video/mp4":        ".mp4",
	"video/webm":       ".webm",
	"video/avi":        ".avi",
	"video/x-msvideo":  ".avi",
	"video/quicktime":  ".mov",
	"video/x-matroska": ".mkv",
	"video/3gpp":       ".3gp",
	"video/3gpp2":      ".3g2",
	"video/ogg":        ".ogv",
	"video/mpeg":       ".mpeg",
	"video/x-flv":      ".flv",
}

// CommandRenderer renders watermarks by running external tools against
// temporary files. Argument lists are templates evaluated per render.
type CommandRenderer struct {
	image   []*templates.Template
	video   []*templates.Template
	run     Runner
	tempDir string
	logger  *slog.Logger
}

type CommandOption func(*CommandRenderer)

// WithRunner replaces process execution.
func WithRunner(run Runner) CommandOption {
	return func(r *CommandRenderer) { r.run = run }
}

// WithTempDir sets where per-render working directories are created.
func WithTempDir(dir string) CommandOption {
	return func(r *CommandRenderer) { r.tempDir = dir }
}

func NewCommandRenderer(logger *slog.Logger, renderer *templates.Renderer, imageCommand, videoCommand []string, opts ...CommandOption) (*CommandRenderer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	image, err := compileCommand(renderer, "image", imageCommand)
	if err != nil {
		return nil, err
	}
	video, err := compileCommand(renderer, "video", videoCommand)
	if err != nil {
		return nil, err
	}
	r := &CommandRenderer{
		image:  image,
		video:  video,
		run:    runCommand,
		logger: logger.With(slog.String("agent", "watermark_command")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *CommandRenderer) RenderImage(ctx context.Context, data []byte, params Params) ([]byte, error) {
	return r.render(ctx, r.image, data, params)
}

func (r *CommandRenderer) RenderVideo(ctx context.Context, data []byte, params Params) ([]byte, error) {
	return r.render(ctx, r.video, data, params)
}

func (r *CommandRenderer) render(ctx context.Context, command []*templates.Template, data []byte, params Params) ([]byte, error) {
	dir, err := os.MkdirTemp(r.tempDir, "listingkit-watermark-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := extensionFor(params.MIMEType)
	input := filepath.Join(dir, "input"+ext)
	output := filepath.Join(dir, "output"+ext)
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	args, err := expandCommand(command, CommandData{
		Input:    input,
		Output:   output,
		Text:         params.Text,
		AnnotateText: annotateEscape(params.Text),
		DrawText:     drawTextEscape(params.Text),
		Position:     string(params.Position),
		Gravity:      gravities[params.Position],
		Overlay:      overlays[params.Position],
		Opacity:      strconv.FormatFloat(params.Opacity, 'f', -1, 64),
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("running render command", slog.String("command", args[0]), slog.Int("args", len(args)-1))
	if combined, err := r.run(ctx, args[0], args[1:]...); err != nil {
		if msg := strings.TrimSpace(string(combined)); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", args[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", args[0], err)
	}

	out, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return out, nil
}

func compileCommand(renderer *templates.Renderer, kind string, args []string) ([]*templates.Template, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return nil, fmt.Errorf("watermark: %s command is empty", kind)
	}
	out := make([]*templates.Template, 0, len(args))
	for i, arg := range args {
		tmpl, err := renderer.CompileInline(fmt.Sprintf("%s-arg-%d", kind, i), arg)
		if err != nil {
			return nil, fmt.Errorf("watermark: %s command: %w", kind, err)
		}
		out = append(out, tmpl)
	}
	return out, nil
}

// expandCommand renders each argument. Blank arguments compile to nil
// templates and are passed through as empty strings.
func expandCommand(command []*templates.Template, data CommandData) ([]string, error) {
	args := make([]string, 0, len(command))
	for _, tmpl := range command {
		if tmpl == nil {
			args = append(args, "")
			continue
		}
		arg, err := tmpl.Render(data)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	if args[0] == "" {
		return nil, errors.New("render command name is empty")
	}
	return args, nil
}

var annotateEscaper = strings.NewReplacer(`\`, `\\`, "%", "%%")

// annotateEscape neutralises ImageMagick text escapes. A leading @ would
// otherwise read the annotation from a local file.
func annotateEscape(text string) string {
	text = annotateEscaper.Replace(text)
	if strings.HasPrefix(text, "@") {
		text = `\` + text
	}
	return text
}

var drawTextEscaper = strings.NewReplacer("'", "", `\`, `\\`, ":", `\:`, "%", `\%`)

// drawTextEscape drops single quotes, which cannot be escaped inside a quoted
// filter value, and escapes what drawtext and the filter graph parser expand.
func drawTextEscape(text string) string {
	return drawTextEscaper.Replace(text)
}

func extensionFor(mimeType string) string {
	if ext, ok := extensions[mimeType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}
