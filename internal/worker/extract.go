package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Audio is the extracted, transcriber-ready audio track.
type Audio struct {
	Path            string
	DurationSeconds float64
}

// Extractor converts an uploaded media file to mono 16 kHz PCM WAV with ffmpeg.
type Extractor struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
	stat        func(name string) (os.FileInfo, error)
	mkdirAll    func(path string, perm os.FileMode) error
}

func NewExtractor(ffmpegPath, ffprobePath string) *Extractor {
	return &Extractor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		runner:      &execRunner{},
		stat:        os.Stat,
		mkdirAll:    os.MkdirAll,
	}
}

// Extract writes outDir/audio.wav. The duration is best effort: a failing
// ffprobe leaves it at zero.
func (e *Extractor) Extract(ctx context.Context, sourcePath, outDir string) (Audio, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return Audio{}, &StageError{Stage: "extracting", Message: "source path is required"}
	}
	if _, err := e.stat(sourcePath); err != nil {
		return Audio{}, &StageError{
			Stage:   "extracting",
			Message: fmt.Sprintf("cannot access source media: %s", sourcePath),
			Err:     err,
		}
	}
	if err := e.mkdirAll(outDir, 0o755); err != nil {
		return Audio{}, &StageError{
			Stage:   "extracting",
			Message: fmt.Sprintf("cannot create work directory: %s", outDir),
			Err:     err,
		}
	}

	outPath := filepath.Join(outDir, "audio.wav")
	args := buildFFmpegArgs(sourcePath, outPath)
	res, err := e.runner.Run(ctx, e.ffmpegPath, args...)
	if err != nil {
		return Audio{}, &StageError{
			Stage:      "extracting",
			Message:    "ffmpeg audio conversion failed",
			CommandLog: newLog(e.ffmpegPath, args, res),
			Err:        err,
		}
	}
	if _, err := e.stat(outPath); err != nil {
		return Audio{}, &StageError{
			Stage:      "extracting",
			Message:    "ffmpeg completed but output file is missing",
			CommandLog: newLog(e.ffmpegPath, args, res),
			Err:        err,
		}
	}

	return Audio{Path: outPath, DurationSeconds: e.probeDuration(ctx, outPath)}, nil
}

func (e *Extractor) probeDuration(ctx context.Context, path string) float64 {
	if e.ffprobePath == "" {
		return 0
	}
	res, err := e.runner.Run(ctx, e.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// buildFFmpegArgs builds CLI args for mono 16k PCM WAV output.
func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}
