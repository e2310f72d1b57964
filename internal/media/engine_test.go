package media

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/pkg/errors"
)

func TestValidateInput(t *testing.T) {
	tests := []struct {
		name    string
		in      TransformInput
		wantErr bool
		field   string
	}{
		{
			name: "valid minimal",
			in:   TransformInput{ImagePath: "a.png", AudioPath: "b.mp3"},
		},
		{
			name: "valid with text and bgm",
			in: TransformInput{
				ImagePath: "a.png", AudioPath: "b.mp3",
				Text: "hello", TextPosition: "center",
				BGMPath: "c.mp3", BGMVolume: 0.5,
			},
		},
		{
			name:    "missing image",
			in:      TransformInput{AudioPath: "b.mp3"},
			wantErr: true,
		},
		{
			name:    "missing audio",
			in:      TransformInput{ImagePath: "a.png"},
			wantErr: true,
		},
		{
			name: "bad text position",
			in: TransformInput{
				ImagePath: "a.png", AudioPath: "b.mp3",
				Text: "hi", TextPosition: "diagonal",
			},
			wantErr: true,
		},
		{
			name: "bgm volume out of range",
			in: TransformInput{
				ImagePath: "a.png", AudioPath: "b.mp3",
				BGMPath: "c.mp3", BGMVolume: 1.5,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateInput(tt.in)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "validation failures must be permanent")
		})
	}
}

func TestBuildComposeArgs(t *testing.T) {
	in := TransformInput{ImagePath: "img.png", AudioPath: "voice.mp3"}
	args := buildComposeArgs(in, "out.mp4")

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-loop 1 -i img.png")
	assert.Contains(t, joined, "-i voice.mp3")
	assert.Contains(t, joined, "crop=576:1024")
	assert.Contains(t, joined, "-shortest")
	assert.Equal(t, "out.mp4", args[len(args)-1])
	assert.NotContains(t, joined, "drawtext")
}

func TestBuildComposeArgsWithText(t *testing.T) {
	in := TransformInput{
		ImagePath: "img.png", AudioPath: "voice.mp3",
		Text: "hello world", TextPosition: "top",
	}
	joined := strings.Join(buildComposeArgs(in, "out.mp4"), " ")

	assert.Contains(t, joined, "drawtext=text='hello world'")
	assert.Contains(t, joined, "y=h*0.08")
}

func TestBuildBGMArgs(t *testing.T) {
	args := buildBGMArgs("in.mp4", "bgm.mp3", 0.5, "out.mp4")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "volume=0.50")
	assert.Contains(t, joined, "amix=inputs=2")
	assert.Contains(t, joined, "-c:v copy", "video stream must not be re-encoded")
	assert.Equal(t, "out.mp4", args[len(args)-1])
}

func TestConcatList(t *testing.T) {
	got := concatList([]string{"/tmp/a.mp4", "/tmp/b.mp4"})
	assert.Equal(t, "file '/tmp/a.mp4'\nfile '/tmp/b.mp4'\n", got)

	got = concatList([]string{"/tmp/it's.mp4", "/tmp/b.mp4"})
	assert.Contains(t, got, `file '/tmp/it'\''s.mp4'`)
}

func TestConcatRejectsSingleClip(t *testing.T) {
	e := NewEngine(Config{})
	err := e.Concat(context.Background(), []string{"only.mp4"}, "out.mp4")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestDrawtextPositions(t *testing.T) {
	assert.Contains(t, drawtextFilter("x", "top"), "y=h*0.08")
	assert.Contains(t, drawtextFilter("x", "center"), "y=(h-text_h)/2")
	assert.Contains(t, drawtextFilter("x", "bottom"), "y=h*0.85")
}

func TestEscapeDrawtext(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"it's", `it\'s`},
		{"a:b", `a\:b`},
		{"100%", `100\%`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeDrawtext(tt.in))
	}
}

func TestStderrTail(t *testing.T) {
	long := strings.Repeat("x", 1000) + "END"
	got := stderrTail(long)
	assert.Len(t, got, 500)
	assert.True(t, strings.HasSuffix(got, "END"))

	assert.Equal(t, "short", stderrTail("  short \n"))
}

func TestEngineDefaults(t *testing.T) {
	e := NewEngine(Config{})
	assert.Equal(t, "ffmpeg", e.ffmpegPath)
	assert.Equal(t, "ffprobe", e.ffprobePath)
	assert.NotZero(t, e.timeout)
}
