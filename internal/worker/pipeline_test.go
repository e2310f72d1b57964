package worker

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/adapters/storage/localfs"
	"reelforge/internal/genclient"
	"reelforge/internal/jobs"
	"reelforge/internal/media"
	"reelforge/internal/pkg/errors"
	"reelforge/internal/pkg/logger"
	"reelforge/internal/ports"
)

type fakeGen struct {
	calls int
	err   error
}

func (g *fakeGen) Generate(ctx context.Context, req genclient.Request, dstPath string) error {
	g.calls++
	if g.err != nil {
		return g.err
	}
	return os.WriteFile(dstPath, []byte("jpeg-bytes"), 0o644)
}

type fakeTransform struct {
	calls       int
	concatCalls int
	last        media.TransformInput
	lastClips   []string
	err         error
}

func (f *fakeTransform) Transform(ctx context.Context, in media.TransformInput, dstPath string) error {
	f.calls++
	f.last = in
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dstPath, []byte("mp4-bytes"), 0o644)
}

func (f *fakeTransform) Concat(ctx context.Context, clipPaths []string, dstPath string) error {
	f.concatCalls++
	f.lastClips = append([]string(nil), clipPaths...)
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dstPath, []byte("mp4-bytes"), 0o644)
}

func newPipelineHarness(t *testing.T) (*Pipeline, ports.StorageProvider, *fakeGen, *fakeTransform) {
	t.Helper()
	sp := localfs.New(t.TempDir())
	gen := &fakeGen{}
	tr := &fakeTransform{}
	log := logger.New(logger.Config{Level: "error", Format: "json", Output: &bytes.Buffer{}})
	p := NewPipeline(sp, gen, tr, t.TempDir(), log)
	return p, sp, gen, tr
}

func putObject(t *testing.T, sp ports.StorageProvider, key, body string) {
	t.Helper()
	_, err := sp.PutObject(context.Background(), ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: "audio/mpeg",
		Reader:      strings.NewReader(body),
		Size:        int64(len(body)),
	})
	require.NoError(t, err)
}

func pipelineJob(refs ...string) *jobs.Job {
	return &jobs.Job{
		ID:           "job-1",
		State:        jobs.StateRunning,
		InputRefs:    refs,
		Params:       map[string]any{"prompt": "a sunset", "text": "hello", "bgm_volume": 0.3},
		AttemptCount: 1,
		MaxAttempts:  3,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestPipelineExecuteUploadsArtifact(t *testing.T) {
	p, sp, gen, tr := newPipelineHarness(t)
	putObject(t, sp, "uploads/voice.mp3", "audio-bytes")

	ref, err := p.Execute(context.Background(), pipelineJob("uploads/voice.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "renders/job-1/final.mp4", ref)
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, 1, tr.calls)

	rc, contentType, size, err := sp.GetObject(context.Background(), ref)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "mp4-bytes", string(body))
	assert.Equal(t, "video/mp4", contentType)
	assert.Equal(t, int64(len(body)), size)
}

func TestPipelinePassesBGMThrough(t *testing.T) {
	p, sp, _, tr := newPipelineHarness(t)
	putObject(t, sp, "uploads/voice.mp3", "audio-bytes")
	putObject(t, sp, "uploads/bgm.mp3", "bgm-bytes")

	_, err := p.Execute(context.Background(), pipelineJob("uploads/voice.mp3", "uploads/bgm.mp3"))
	require.NoError(t, err)

	assert.NotEmpty(t, tr.last.BGMPath)
	assert.InDelta(t, 0.3, tr.last.BGMVolume, 1e-9)
	assert.Equal(t, "hello", tr.last.Text)
}

func TestPipelineMissingInputRefIsPermanent(t *testing.T) {
	p, _, gen, _ := newPipelineHarness(t)

	_, err := p.Execute(context.Background(), pipelineJob("uploads/does-not-exist.mp3"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
	assert.True(t, errors.IsPermanent(err))
	assert.Equal(t, 0, gen.calls, "generation must not run without inputs")
}

func concatJob(refs ...string) *jobs.Job {
	job := pipelineJob(refs...)
	job.Params = map[string]any{"mode": "concat"}
	return job
}

func TestPipelineConcatStitchesClips(t *testing.T) {
	p, sp, gen, tr := newPipelineHarness(t)
	putObject(t, sp, "uploads/avatar.mp4", "clip-a")
	putObject(t, sp, "uploads/demo.mp4", "clip-b")

	ref, err := p.Execute(context.Background(), concatJob("uploads/avatar.mp4", "uploads/demo.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "renders/job-1/final.mp4", ref)
	assert.Equal(t, 0, gen.calls, "concat mode must not call the generation api")
	assert.Equal(t, 0, tr.calls)
	require.Equal(t, 1, tr.concatCalls)
	require.Len(t, tr.lastClips, 2)
	assert.Contains(t, tr.lastClips[0], "clip-0")
	assert.Contains(t, tr.lastClips[1], "clip-1")

	rc, _, _, err := sp.GetObject(context.Background(), ref)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "mp4-bytes", string(body))
}

func TestPipelineConcatRejectsBadRefCount(t *testing.T) {
	p, sp, _, tr := newPipelineHarness(t)
	putObject(t, sp, "uploads/avatar.mp4", "clip-a")

	_, err := p.Execute(context.Background(), concatJob("uploads/avatar.mp4"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
	assert.Equal(t, 0, tr.concatCalls)
}

// outageStore fails every read, simulating an unreachable artifact
// store.
type outageStore struct {
	ports.StorageProvider
	err error
}

func (o *outageStore) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, string, int64, error) {
	return nil, "", 0, o.err
}

func TestPipelineStorageOutageIsTransient(t *testing.T) {
	sp := &outageStore{err: errors.Unavailable("artifact store")}
	gen := &fakeGen{}
	tr := &fakeTransform{}
	log := logger.New(logger.Config{Level: "error", Format: "json", Output: &bytes.Buffer{}})
	p := NewPipeline(sp, gen, tr, t.TempDir(), log)

	_, err := p.Execute(context.Background(), pipelineJob("uploads/voice.mp3"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnavailable, errors.GetCode(err))
	assert.True(t, errors.IsTransient(err), "a store outage must leave the retry budget intact")
	assert.Equal(t, 0, gen.calls)
}

func TestPipelineRejectsBadRefCount(t *testing.T) {
	p, _, _, _ := newPipelineHarness(t)

	_, err := p.Execute(context.Background(), pipelineJob())
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.GetCode(err))

	_, err = p.Execute(context.Background(), pipelineJob("a", "b", "c"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
}

func TestPipelineGenerationErrorPreservesCode(t *testing.T) {
	p, sp, gen, tr := newPipelineHarness(t)
	putObject(t, sp, "uploads/voice.mp3", "audio-bytes")
	gen.err = errors.Unavailable("generation api")

	_, err := p.Execute(context.Background(), pipelineJob("uploads/voice.mp3"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnavailable, errors.GetCode(err))
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 0, tr.calls, "transform must not run after generation failure")
}

func TestPipelineScratchDirRemoved(t *testing.T) {
	workRoot := t.TempDir()
	sp := localfs.New(t.TempDir())
	gen := &fakeGen{}
	tr := &fakeTransform{}
	log := logger.New(logger.Config{Level: "error", Format: "json", Output: &bytes.Buffer{}})
	p := NewPipeline(sp, gen, tr, workRoot, log)

	putObject(t, sp, "uploads/voice.mp3", "audio-bytes")
	_, err := p.Execute(context.Background(), pipelineJob("uploads/voice.mp3"))
	require.NoError(t, err)

	entries, err := os.ReadDir(workRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch dirs must not outlive the job")

	// Failure paths clean up too.
	tr.err = errors.Timeout("ffmpeg")
	_, err = p.Execute(context.Background(), pipelineJob("uploads/voice.mp3"))
	require.Error(t, err)
	entries, err = os.ReadDir(workRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
