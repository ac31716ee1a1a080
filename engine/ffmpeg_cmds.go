package engine

import (
	"fmt"
	"io"
	"os/exec"
	"time"
)

// thumbnailFilter scales and pads a grabbed frame to a fixed 16:9 canvas.
const thumbnailFilter = "scale=854:480:force_original_aspect_ratio=decrease," +
	"pad=854:480:(ow-iw)/2:(oh-ih)/2"

type RealCmder struct {
	cmd *exec.Cmd
}

func (r *RealCmder) SetStdout(pipe io.Writer) {
	r.cmd.Stdout = pipe
}

func (r *RealCmder) SetStderr(pipe io.Writer) {
	r.cmd.Stderr = pipe
}

func (r *RealCmder) Start() error {
	return r.cmd.Start()
}

func (r *RealCmder) Wait() error {
	return r.cmd.Wait()
}

type RealPipeCmder struct {
	cmd *exec.Cmd
}

func (r *RealPipeCmder) StdoutPipe() (io.ReadCloser, error) {
	return r.cmd.StdoutPipe()
}

func (r *RealPipeCmder) SetStderr(pipe io.Writer) {
	r.cmd.Stderr = pipe
}

func (r *RealPipeCmder) Start() error {
	return r.cmd.Start()
}

func (r *RealPipeCmder) Wait() error {
	return r.cmd.Wait()
}

func NewRealProbeCmder(path string) Cmder {
	cmd := exec.Command("ffprobe", "-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", path)
	return &RealCmder{cmd: cmd}
}

func NewRealRemuxCmder(inPath string, outPath string) Cmder {
	cmd := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error",
		"-y", "-i", inPath, "-c", "copy", "-movflags", "+faststart", outPath)
	return &RealCmder{cmd: cmd}
}

func NewRealThumbnailCmder(sourceUrl string) PipeCmder {
	cmd := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error",
		"-ss", "1", "-i", sourceUrl, "-vframes", "1",
		"-vf", thumbnailFilter,
		"-f", "image2", "-c:v", "mjpeg", "pipe:1")
	return &RealPipeCmder{cmd: cmd}
}

func NewRealPlaybackCmder(videoUrl string, offset time.Duration, rtmpUrl string) Cmder {
	args := []string{"-hide_banner", "-loglevel", "error", "-re"}
	if offset > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.0f", offset.Seconds()))
	}
	args = append(args, "-i", videoUrl, "-c", "copy", "-f", "flv", rtmpUrl)
	return &RealCmder{cmd: exec.Command("ffmpeg", args...)}
}
