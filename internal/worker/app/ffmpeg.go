package app

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// vertical 9:16 output for short-form targets
const verticalFilter = "scale=1080:1920:force_original_aspect_ratio=decrease,pad=1080:1920:(ow-iw)/2:(oh-ih)/2"

// function seams so pipeline tests can run without ffmpeg installed
var (
	runFFmpeg = func(ctx context.Context, args []string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, "ffmpeg", args...)
		return cmd.CombinedOutput()
	}

	runFFprobe = func(ctx context.Context, args []string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, "ffprobe", args...)
		return cmd.Output()
	}
)

// probeDuration return the source duration in seconds
func probeDuration(ctx context.Context, inputPath string) (float64, error) {
	out, err := runFFprobe(ctx, []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	})
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe returned unparsable duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return duration, nil
}

// codecArg map a requested codec onto the ffmpeg encoder name
func codecArg(codec string) string {
	switch strings.ToLower(codec) {
	case "", "h264":
		return "libx264"
	case "h265", "hevc":
		return "libx265"
	case "vp9":
		return "libvpx-vp9"
	default:
		return codec
	}
}

// escapeDrawtext escape the characters drawtext treats specially
func escapeDrawtext(text string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
	)
	return r.Replace(text)
}

// tailOf keeps the last part of ffmpeg output for error messages
func tailOf(out []byte) string {
	const max = 512
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
