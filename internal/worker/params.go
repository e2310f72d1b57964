package worker

import (
	"strings"

	"reelforge/internal/pkg/errors"
)

// Render modes. Compose builds a clip from a generated image plus
// narration audio; concat stitches two uploaded clips back to back.
const (
	ModeCompose = "compose"
	ModeConcat  = "concat"
)

// RenderParams is the validated view of a job's params blob.
type RenderParams struct {
	Mode         string
	Prompt       string
	Text         string
	TextPosition string
	BGMVolume    float64
	Width        int
	Height       int
}

// ParseParams validates the opaque params map into RenderParams.
// Failures here are permanent: a malformed job will never succeed on
// retry.
func ParseParams(raw map[string]any) (*RenderParams, error) {
	p := &RenderParams{
		Mode:         ModeCompose,
		TextPosition: "bottom",
		BGMVolume:    0.5,
		Width:        576,
		Height:       1024,
	}

	if mode, ok := raw["mode"].(string); ok && strings.TrimSpace(mode) != "" {
		mode = strings.TrimSpace(strings.ToLower(mode))
		switch mode {
		case ModeCompose, ModeConcat:
			p.Mode = mode
		default:
			return nil, errors.ValidationField("params.mode", "must be one of: compose, concat")
		}
	}

	prompt, _ := raw["prompt"].(string)
	p.Prompt = strings.TrimSpace(prompt)
	if p.Mode == ModeCompose && p.Prompt == "" {
		return nil, errors.ValidationField("params.prompt", "prompt is required")
	}

	if text, ok := raw["text"].(string); ok {
		p.Text = strings.TrimSpace(text)
	}

	if pos, ok := raw["text_position"].(string); ok && strings.TrimSpace(pos) != "" {
		pos = strings.TrimSpace(strings.ToLower(pos))
		switch pos {
		case "top", "center", "bottom":
			p.TextPosition = pos
		default:
			return nil, errors.ValidationField("params.text_position", "must be one of: top, center, bottom")
		}
	}

	if vol, ok := raw["bgm_volume"].(float64); ok {
		if vol < 0 || vol > 1 {
			return nil, errors.ValidationField("params.bgm_volume", "must be between 0.0 and 1.0")
		}
		p.BGMVolume = vol
	}

	return p, nil
}
