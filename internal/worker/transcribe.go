package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/relaynote/relay/internal/options"
)

// Transcription engines.
const (
	EngineWhisper  = "whisper"
	EngineWhisperX = "whisperx"
)

// Transcript is the result of a transcription stage.
type Transcript struct {
	Text string
	Path string
}

// TranscriberConfig selects and parameterizes the transcription script.
type TranscriberConfig struct {
	Engine     string
	PythonPath string
	ScriptsDir string
	Model      string
	HFToken    string
}

// Transcriber runs a whisper script on an audio file. The plain whisper script
// prints the transcript as JSON; the whisperx script writes a speaker-labelled
// file and prints its location.
type Transcriber struct {
	cfg       TranscriberConfig
	runner    commandRunner
	readFile  func(name string) ([]byte, error)
	writeFile func(name string, data []byte, perm os.FileMode) error
}

func NewTranscriber(cfg TranscriberConfig) (*Transcriber, error) {
	switch cfg.Engine {
	case EngineWhisper:
	case EngineWhisperX:
		if cfg.HFToken == "" {
			return nil, errors.New("whisperx requires a Hugging Face token")
		}
	default:
		return nil, fmt.Errorf("unknown transcriber %q", cfg.Engine)
	}
	if cfg.PythonPath == "" {
		cfg.PythonPath = "python3"
	}
	return &Transcriber{
		cfg:       cfg,
		runner:    &execRunner{},
		readFile:  os.ReadFile,
		writeFile: os.WriteFile,
	}, nil
}

type scriptOutput struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	Status     string `json:"status"`
	OutputFile string `json:"output_file"`
	Error      string `json:"error"`
}

// Transcribe writes outDir/transcript.txt and returns its content.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath, outDir string, opts options.Options) (Transcript, error) {
	outPath := filepath.Join(outDir, "transcript.txt")
	name := t.cfg.PythonPath
	args := t.buildArgs(audioPath, outPath, opts)

	res, runErr := t.runner.Run(ctx, name, args...)
	out, parseErr := parseScriptOutput(res.Stdout)
	if runErr != nil {
		msg := "transcription script failed"
		if parseErr == nil && out.Error != "" {
			msg = out.Error
		}
		return Transcript{}, &StageError{Stage: "transcribing", Message: msg, CommandLog: newLog(name, args, res), Err: runErr}
	}
	if parseErr != nil {
		return Transcript{}, &StageError{Stage: "transcribing", Message: "unreadable script output", CommandLog: newLog(name, args, res), Err: parseErr}
	}
	if out.Error != "" {
		return Transcript{}, &StageError{Stage: "transcribing", Message: out.Error, CommandLog: newLog(name, args, res)}
	}

	if t.cfg.Engine == EngineWhisperX {
		path := out.OutputFile
		if path == "" {
			path = outPath
		}
		data, err := t.readFile(path)
		if err != nil {
			return Transcript{}, &StageError{Stage: "transcribing", Message: "cannot read transcript file", Err: err}
		}
		return Transcript{Text: string(data), Path: path}, nil
	}

	text := strings.TrimSpace(out.Text)
	if err := t.writeFile(outPath, []byte(text+"\n"), 0o644); err != nil {
		return Transcript{}, &StageError{Stage: "transcribing", Message: "cannot write transcript file", Err: err}
	}
	return Transcript{Text: text, Path: outPath}, nil
}

func (t *Transcriber) buildArgs(audioPath, outPath string, opts options.Options) []string {
	lang := ""
	if opts.Language != "" && opts.Language != options.DefaultLanguage {
		lang = opts.Language
	}

	if t.cfg.Engine == EngineWhisper {
		args := []string{filepath.Join(t.cfg.ScriptsDir, "whisper.py"), audioPath}
		if lang != "" {
			args = append(args, "--language", lang)
		}
		return args
	}

	args := []string{
		filepath.Join(t.cfg.ScriptsDir, "whisper-x.py"),
		audioPath,
		"--hf_token", t.cfg.HFToken,
		"--output_file", outPath,
	}
	if t.cfg.Model != "" {
		args = append(args, "--model", t.cfg.Model)
	}
	if lang != "" {
		args = append(args, "--language", lang)
	}
	if opts.MinSpeakers > 0 {
		args = append(args, "--min_speakers", strconv.Itoa(opts.MinSpeakers))
	}
	if opts.MaxSpeakers > 0 {
		args = append(args, "--max_speakers", strconv.Itoa(opts.MaxSpeakers))
	}
	return args
}

// parseScriptOutput decodes the last JSON line the script printed. Earlier
// lines are library noise.
func parseScriptOutput(stdout string) (scriptOutput, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var out scriptOutput
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			return scriptOutput{}, fmt.Errorf("decode script output: %w", err)
		}
		return out, nil
	}
	return scriptOutput{}, errors.New("script printed no JSON result")
}
