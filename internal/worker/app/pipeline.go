package app

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"clipflow_worker/internal/worker/domain"
)

// MediaPipeline definition the pure media transform step: input file plus
// options in, per-option results out. No knowledge of jobs or queues.
// Options are isolated units: one failing never aborts its siblings.
type MediaPipeline interface {
	Process(ctx context.Context, inputPath, outDir string, options []domain.Option) []domain.OptionResult
}

// FFmpegPipeline runs each option as an independent ffmpeg invocation.
type FFmpegPipeline struct {
	// DefaultClipLength is used when a clip option carries only a length,
	// meaning "split the whole source into consecutive clips".
	DefaultClipLength float64
}

// NewFFmpegPipeline create a pipeline with the default 60s clip length
func NewFFmpegPipeline() *FFmpegPipeline {
	return &FFmpegPipeline{DefaultClipLength: 60}
}

// Process run every option against the source. The returned slice holds one
// result per produced artifact; a length-only clip option expands to one
// result per segment (ids "<option>_1", "<option>_2", ...).
func (p *FFmpegPipeline) Process(ctx context.Context, inputPath, outDir string, options []domain.Option) []domain.OptionResult {
	duration, err := probeDuration(ctx, inputPath)
	if err != nil {
		// cannot even read the container: every option fails the same way
		crash := &domain.PipelineCrashError{Err: err}
		results := make([]domain.OptionResult, 0, len(options))
		for _, opt := range options {
			results = append(results, domain.OptionResult{OptionID: opt.ID, Err: crash})
		}
		return results
	}

	var results []domain.OptionResult
	for _, opt := range options {
		if ctx.Err() != nil {
			results = append(results, domain.OptionResult{
				OptionID: opt.ID,
				Err:      &domain.PipelineCrashError{Err: ctx.Err()},
			})
			continue
		}

		if opt.Kind == domain.OptionClip && opt.Params.End == 0 && opt.Params.Start == 0 {
			results = append(results, p.segmentSource(ctx, inputPath, outDir, opt, duration)...)
			continue
		}

		outPath, err := p.processOption(ctx, inputPath, outDir, opt, duration)
		results = append(results, domain.OptionResult{OptionID: opt.ID, OutputPath: outPath, Err: err})
	}
	return results
}

func (p *FFmpegPipeline) processOption(ctx context.Context, inputPath, outDir string, opt domain.Option, duration float64) (string, error) {
	outPath := filepath.Join(outDir, opt.ID+".mp4")

	var args []string
	switch opt.Kind {
	case domain.OptionTranscode:
		args = transcodeArgs(inputPath, outPath, opt.Params)

	case domain.OptionClip:
		if err := validateClipBounds(opt.ID, opt.Params.Start, opt.Params.End, duration); err != nil {
			return "", err
		}
		end := math.Min(opt.Params.End, duration)
		args = clipArgs(inputPath, outPath, opt.Params.Start, end-opt.Params.Start)

	case domain.OptionCaption:
		if opt.Params.Text == "" {
			return "", &domain.InvalidOptionError{OptionID: opt.ID, Reason: "caption text required"}
		}
		args = captionArgs(inputPath, outPath, opt.Params.Text)

	default:
		return "", &domain.InvalidOptionError{OptionID: opt.ID, Reason: fmt.Sprintf("unknown option kind %q", opt.Kind)}
	}

	if out, err := runFFmpeg(ctx, args); err != nil {
		return "", &domain.PipelineCrashError{Output: tailOf(out), Err: err}
	}
	return outPath, nil
}

// segmentSource split the whole source into consecutive clips of the
// requested (or default) length.
func (p *FFmpegPipeline) segmentSource(ctx context.Context, inputPath, outDir string, opt domain.Option, duration float64) []domain.OptionResult {
	length := opt.Params.Length
	if length <= 0 {
		length = p.DefaultClipLength
	}
	count := int(math.Ceil(duration / length))
	if count == 0 {
		return []domain.OptionResult{{
			OptionID: opt.ID,
			Err:      &domain.InvalidOptionError{OptionID: opt.ID, Reason: "source has no duration"},
		}}
	}

	results := make([]domain.OptionResult, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s_%d", opt.ID, i+1)
		if ctx.Err() != nil {
			results = append(results, domain.OptionResult{
				OptionID: id,
				Err:      &domain.PipelineCrashError{Err: ctx.Err()},
			})
			continue
		}
		outPath := filepath.Join(outDir, id+".mp4")
		args := clipArgs(inputPath, outPath, float64(i)*length, length)
		if out, err := runFFmpeg(ctx, args); err != nil {
			results = append(results, domain.OptionResult{
				OptionID: id,
				Err:      &domain.PipelineCrashError{Output: tailOf(out), Err: err},
			})
			continue
		}
		results = append(results, domain.OptionResult{OptionID: id, OutputPath: outPath})
	}
	return results
}

// validateClipBounds reject bounds a source of the given duration cannot
// satisfy. Start is inclusive, end exclusive, both in seconds.
func validateClipBounds(optionID string, start, end, duration float64) error {
	if start < 0 {
		return &domain.InvalidOptionError{OptionID: optionID, Reason: "start must not be negative"}
	}
	if start >= end {
		return &domain.InvalidOptionError{OptionID: optionID, Reason: fmt.Sprintf("start %.3f must be before end %.3f", start, end)}
	}
	if start >= duration {
		return &domain.InvalidOptionError{OptionID: optionID, Reason: fmt.Sprintf("start %.3f beyond source duration %.3f", start, duration)}
	}
	return nil
}

func transcodeArgs(inputPath, outPath string, params domain.OptionParams) []string {
	args := []string{"-i", inputPath, "-c:v", codecArg(params.Codec)}
	if params.Bitrate != "" {
		args = append(args, "-b:v", params.Bitrate)
	}
	if params.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", params.Height))
	}
	args = append(args, "-c:a", "aac", "-movflags", "+faststart", "-y", outPath)
	return args
}

func clipArgs(inputPath, outPath string, start, length float64) []string {
	return []string{
		"-ss", fmt.Sprintf("%.3f", start),
		"-i", inputPath,
		"-t", fmt.Sprintf("%.3f", length),
		"-vf", verticalFilter,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-y", outPath,
	}
}

func captionArgs(inputPath, outPath, text string) []string {
	drawtext := fmt.Sprintf("drawtext=text='%s':fontcolor=white:fontsize=48:x=(w-text_w)/2:y=h-text_h-80", escapeDrawtext(text))
	return []string{
		"-i", inputPath,
		"-vf", drawtext,
		"-c:v", "libx264",
		"-c:a", "copy",
		"-movflags", "+faststart",
		"-y", outPath,
	}
}
