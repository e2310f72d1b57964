package worker

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"

	"reelforge/internal/genclient"
	"reelforge/internal/jobs"
	"reelforge/internal/media"
	"reelforge/internal/pkg/errors"
	"reelforge/internal/pkg/logger"
	"reelforge/internal/ports"
)

// Executor runs one claimed job to completion and returns the artifact
// store key of the produced output.
type Executor interface {
	Execute(ctx context.Context, job *jobs.Job) (outputRef string, err error)
}

// Transformer is the slice of the media engine the pipeline needs.
type Transformer interface {
	Transform(ctx context.Context, in media.TransformInput, dstPath string) error
	Concat(ctx context.Context, clipPaths []string, dstPath string) error
}

// Pipeline is the default Executor: materialize inputs from the
// artifact store, generate the base image, run the transform (or, in
// concat mode, stitch two uploaded clips), upload the result. All
// local files live in a per-job scratch dir removed on every exit
// path.
type Pipeline struct {
	sp        ports.StorageProvider
	gen       genclient.Client
	transform Transformer
	workRoot  string
	log       *logger.Logger
}

func NewPipeline(sp ports.StorageProvider, gen genclient.Client, transform Transformer, workRoot string, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewDefault()
	}
	if workRoot == "" {
		workRoot = os.TempDir()
	}
	return &Pipeline{
		sp:        sp,
		gen:       gen,
		transform: transform,
		workRoot:  workRoot,
		log:       log.WithComponent("pipeline"),
	}
}

func (p *Pipeline) Execute(ctx context.Context, job *jobs.Job) (string, error) {
	log := p.log.FromContext(ctx).WithJobID(job.ID)

	params, err := ParseParams(job.Params)
	if err != nil {
		return "", err
	}

	if params.Mode == ModeConcat {
		return p.concatClips(ctx, job, log)
	}

	// input_refs[0] is the narration audio, input_refs[1] the optional
	// background music.
	if len(job.InputRefs) < 1 || len(job.InputRefs) > 2 {
		return "", errors.ValidationField("input_refs", "expected 1 or 2 input refs (audio, optional bgm)")
	}

	scratch, err := os.MkdirTemp(p.workRoot, "job-"+job.ID+"-*")
	if err != nil {
		return "", errors.Wrap(err, "pipeline.scratch", "create scratch dir")
	}
	defer os.RemoveAll(scratch)

	log.Debug("materializing inputs", "count", len(job.InputRefs))
	audioPath, err := p.materialize(ctx, job.InputRefs[0], filepath.Join(scratch, "audio"))
	if err != nil {
		return "", err
	}

	var bgmPath string
	if len(job.InputRefs) == 2 {
		bgmPath, err = p.materialize(ctx, job.InputRefs[1], filepath.Join(scratch, "bgm"))
		if err != nil {
			return "", err
		}
	}

	log.Debug("requesting generation", "attempt", job.AttemptCount)
	imagePath := filepath.Join(scratch, "base.jpg")
	err = p.gen.Generate(ctx, genclient.Request{
		JobID:   job.ID,
		Attempt: job.AttemptCount,
		Prompt:  params.Prompt,
		Width:   params.Width,
		Height:  params.Height,
	}, imagePath)
	if err != nil {
		return "", errors.Wrap(err, "pipeline.generate", "generation failed")
	}

	log.Debug("running transform")
	outPath := filepath.Join(scratch, "final.mp4")
	err = p.transform.Transform(ctx, media.TransformInput{
		ImagePath:    imagePath,
		AudioPath:    audioPath,
		Text:         params.Text,
		TextPosition: params.TextPosition,
		BGMPath:      bgmPath,
		BGMVolume:    params.BGMVolume,
	}, outPath)
	if err != nil {
		return "", errors.Wrap(err, "pipeline.transform", "transform failed")
	}

	outputRef := fmt.Sprintf("renders/%s/final.mp4", job.ID)
	if err := p.upload(ctx, outPath, outputRef); err != nil {
		return "", err
	}

	log.Debug("artifact uploaded", "output_ref", outputRef)
	return outputRef, nil
}

// concatClips stitches two uploaded clips into one video, first clip
// then second, stream-copied without re-encoding. No generation call
// is made in this mode.
func (p *Pipeline) concatClips(ctx context.Context, job *jobs.Job, log *logger.Logger) (string, error) {
	if len(job.InputRefs) != 2 {
		return "", errors.ValidationField("input_refs", "concat mode expects exactly 2 video clip refs")
	}

	scratch, err := os.MkdirTemp(p.workRoot, "job-"+job.ID+"-*")
	if err != nil {
		return "", errors.Wrap(err, "pipeline.scratch", "create scratch dir")
	}
	defer os.RemoveAll(scratch)

	log.Debug("materializing clips", "count", len(job.InputRefs))
	clips := make([]string, 0, len(job.InputRefs))
	for i, ref := range job.InputRefs {
		clipPath, err := p.materialize(ctx, ref, filepath.Join(scratch, fmt.Sprintf("clip-%d", i)))
		if err != nil {
			return "", err
		}
		clips = append(clips, clipPath)
	}

	log.Debug("concatenating clips")
	outPath := filepath.Join(scratch, "final.mp4")
	if err := p.transform.Concat(ctx, clips, outPath); err != nil {
		return "", errors.Wrap(err, "pipeline.concat", "concat failed")
	}

	outputRef := fmt.Sprintf("renders/%s/final.mp4", job.ID)
	if err := p.upload(ctx, outPath, outputRef); err != nil {
		return "", err
	}

	log.Debug("artifact uploaded", "output_ref", outputRef)
	return outputRef, nil
}

// materialize downloads one input ref to a local path. A ref that
// points at nothing is a permanent failure: retrying cannot conjure
// the asset. A store outage stays transient so the job keeps its
// retry budget.
func (p *Pipeline) materialize(ctx context.Context, ref, dstBase string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.ValidationField("input_refs", "empty input ref")
	}

	rc, contentType, _, err := p.sp.GetObject(ctx, ref)
	if err != nil {
		if isMissingObject(err) {
			return "", errors.WrapWithCode(err, errors.CodeValidation, "pipeline.inputs",
				fmt.Sprintf("input ref does not exist: %s", ref))
		}
		return "", errors.Wrap(err, "pipeline.inputs",
			fmt.Sprintf("input ref fetch failed: %s", ref))
	}
	defer rc.Close()

	dst := dstBase + extFromContentType(contentType, ref)
	f, err := os.Create(dst)
	if err != nil {
		return "", errors.Wrap(err, "pipeline.inputs", "create local input file")
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return "", errors.Wrap(err, "pipeline.inputs", "download input")
	}
	return dst, nil
}

// isMissingObject reports whether a storage read failed because the
// key does not exist, as opposed to the store being unreachable.
// Covers localfs (fs.ErrNotExist), s3-compatible stores (minio 404)
// and anything already coded NOT_FOUND.
func isMissingObject(err error) bool {
	if errors.Is(err, fs.ErrNotExist) || errors.IsNotFound(err) {
		return true
	}
	return minio.ToErrorResponse(err).StatusCode == http.StatusNotFound
}

func (p *Pipeline) upload(ctx context.Context, localPath, objectKey string) error {
	st, err := os.Stat(localPath)
	if err != nil {
		return errors.Wrap(err, "pipeline.upload", "output file missing")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrap(err, "pipeline.upload", "open output file")
	}
	defer f.Close()

	_, err = p.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   objectKey,
		ContentType: "video/mp4",
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return errors.Wrap(err, "pipeline.upload", "artifact upload failed")
	}
	return nil
}

func extFromContentType(contentType, ref string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	}
	if ext := filepath.Ext(ref); ext != "" {
		return ext
	}
	return ".bin"
}
