// Package media invokes ffmpeg/ffprobe to turn generated content and
// uploaded assets into the final video artifact: still image + audio
// composed to a 9:16 clip, optional text overlay, optional background
// music mix, and clip concatenation.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"reelforge/internal/pkg/errors"
)

// Engine runs the external media tools. One Transform call is one
// resource-bounded invocation: wall-clock timeout, scratch directory
// removed on every exit path.
type Engine struct {
	ffmpegPath  string
	ffprobePath string
	timeout     time.Duration
	workRoot    string
}

type Config struct {
	FFmpegPath  string // default "ffmpeg"
	FFprobePath string // default "ffprobe"
	// Timeout is the hard wall-clock limit for a single tool run
	// (default 10m).
	Timeout time.Duration
	// WorkRoot hosts per-invocation scratch dirs (default os temp).
	WorkRoot string
}

func NewEngine(cfg Config) *Engine {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}
	return &Engine{
		ffmpegPath:  cfg.FFmpegPath,
		ffprobePath: cfg.FFprobePath,
		timeout:     cfg.Timeout,
		workRoot:    cfg.WorkRoot,
	}
}

// TransformInput describes one transform over already-local files.
type TransformInput struct {
	ImagePath string
	AudioPath string

	// Text overlay; empty disables it.
	Text         string
	TextPosition string // top, center, bottom

	// Background music; empty BGMPath disables it.
	BGMPath   string
	BGMVolume float64 // 0..1
}

// Transform produces the final mp4 at dstPath. Probe failures on the
// inputs are permanent (unsupported/corrupt media); tool exit errors
// and timeouts are transient.
func (e *Engine) Transform(ctx context.Context, in TransformInput, dstPath string) error {
	if err := validateInput(in); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(e.workRoot, "transform-*")
	if err != nil {
		return errors.Wrap(err, "media.transform", "create scratch dir")
	}
	defer os.RemoveAll(scratch)

	for _, p := range []string{in.ImagePath, in.AudioPath, in.BGMPath} {
		if p == "" {
			continue
		}
		if err := e.probe(ctx, p); err != nil {
			return err
		}
	}

	composed := dstPath
	if in.BGMPath != "" {
		composed = filepath.Join(scratch, "composed.mp4")
	}

	if err := e.run(ctx, e.ffmpegPath, buildComposeArgs(in, composed)); err != nil {
		return err
	}

	if in.BGMPath != "" {
		if err := e.run(ctx, e.ffmpegPath, buildBGMArgs(composed, in.BGMPath, in.BGMVolume, dstPath)); err != nil {
			return err
		}
	}

	return nil
}

// Concat joins clips back to back into dstPath using the concat
// demuxer, without re-encoding. Clips must share codec parameters.
func (e *Engine) Concat(ctx context.Context, clipPaths []string, dstPath string) error {
	if len(clipPaths) < 2 {
		return errors.Validation("concat requires at least two clips")
	}

	scratch, err := os.MkdirTemp(e.workRoot, "concat-*")
	if err != nil {
		return errors.Wrap(err, "media.concat", "create scratch dir")
	}
	defer os.RemoveAll(scratch)

	for _, p := range clipPaths {
		if err := e.probe(ctx, p); err != nil {
			return err
		}
	}

	listPath := filepath.Join(scratch, "clips.txt")
	if err := os.WriteFile(listPath, []byte(concatList(clipPaths)), 0o644); err != nil {
		return errors.Wrap(err, "media.concat", "write clip list")
	}

	return e.run(ctx, e.ffmpegPath, []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		dstPath,
	})
}

func concatList(clipPaths []string) string {
	var b strings.Builder
	for _, p := range clipPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, `'`, `'\''`))
	}
	return b.String()
}

func validateInput(in TransformInput) error {
	if in.ImagePath == "" || in.AudioPath == "" {
		return errors.Validation("transform requires an image and an audio input")
	}
	if in.Text != "" {
		switch in.TextPosition {
		case "top", "center", "bottom":
		default:
			return errors.ValidationField("text_position", "must be one of: top, center, bottom")
		}
	}
	if in.BGMPath != "" && (in.BGMVolume < 0 || in.BGMVolume > 1) {
		return errors.ValidationField("bgm_volume", "must be between 0.0 and 1.0")
	}
	return nil
}

// probe verifies the tool can read the file at all. A file ffprobe
// rejects will never transcode, so this is the permanent-failure gate.
func (e *Engine) probe(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "media.probe", "input file missing")
	}

	args := []string{"-v", "error", "-show_format", "-of", "json", path}
	if err := e.run(ctx, e.ffprobePath, args); err != nil {
		if errors.IsCode(err, errors.CodeTimeout) {
			return err
		}
		return errors.WrapWithCode(err, errors.CodeValidation, "media.probe",
			fmt.Sprintf("unsupported or corrupt input: %s", filepath.Base(path)))
	}
	return nil
}

func (e *Engine) run(ctx context.Context, tool string, args []string) error {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return errors.Timeout(filepath.Base(tool))
	}

	return errors.WrapWithCode(err, errors.CodeInternal, "media.run",
		fmt.Sprintf("%s failed: %s", filepath.Base(tool), stderrTail(stderr.String())))
}

// buildComposeArgs loops the still image for the duration of the audio
// track, cropped/scaled to 9:16 (576x1024), with an optional drawtext
// overlay.
func buildComposeArgs(in TransformInput, outPath string) []string {
	filters := []string{
		"scale=576:1024:force_original_aspect_ratio=increase",
		"crop=576:1024",
	}
	if in.Text != "" {
		filters = append(filters, drawtextFilter(in.Text, in.TextPosition))
	}

	return []string{
		"-y",
		"-loop", "1",
		"-i", in.ImagePath,
		"-i", in.AudioPath,
		"-vf", strings.Join(filters, ","),
		"-c:v", "libx264",
		"-tune", "stillimage",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-shortest",
		outPath,
	}
}

// buildBGMArgs mixes background music under the existing audio without
// re-encoding the video stream.
func buildBGMArgs(videoPath, bgmPath string, volume float64, outPath string) []string {
	return []string{
		"-y",
		"-i", videoPath,
		"-i", bgmPath,
		"-filter_complex",
		fmt.Sprintf("[1:a]volume=%.2f[bgm];[0:a][bgm]amix=inputs=2:duration=first[a]", volume),
		"-map", "0:v:0",
		"-map", "[a]",
		"-c:v", "copy",
		"-c:a", "aac",
		outPath,
	}
}

func drawtextFilter(text, position string) string {
	var y string
	switch position {
	case "top":
		y = "h*0.08"
	case "center":
		y = "(h-text_h)/2"
	default:
		y = "h*0.85"
	}

	return fmt.Sprintf(
		"drawtext=text='%s':x=(w-text_w)/2:y=%s:fontsize=42:fontcolor=white:borderw=2:bordercolor=black",
		escapeDrawtext(text), y,
	)
}

// escapeDrawtext escapes the characters ffmpeg's drawtext filter treats
// specially.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`%`, `\%`,
	)
	return r.Replace(s)
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		s = s[len(s)-500:]
	}
	return s
}
