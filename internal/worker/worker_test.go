package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaynote/relay/internal/options"
)

// fakeRunner simulates command execution.
type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (commandResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	if f.run == nil {
		return commandResult{}, nil
	}
	return f.run(ctx, name, args...)
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestExtract_Success(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	src := filepath.Join(root, "meeting.mp4")
	mustWriteFile(t, src, "media")
	outDir := filepath.Join(root, "work", "job-1")

	var calls []string
	e := NewExtractor("ffmpeg-custom", "ffprobe-custom")
	e.runner = &fakeRunner{run: func(_ context.Context, name string, args ...string) (commandResult, error) {
		calls = append(calls, name)
		switch name {
		case "ffmpeg-custom":
			if got := argValue(args, "-ar"); got != "16000" {
				t.Errorf("-ar = %q, want 16000", got)
			}
			mustWriteFile(t, args[len(args)-1], "wav")
			return commandResult{}, nil
		case "ffprobe-custom":
			return commandResult{Stdout: "12.5\n"}, nil
		}
		t.Fatalf("unexpected command %q", name)
		return commandResult{}, nil
	}}

	audio, err := e.Extract(context.Background(), src, outDir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if audio.Path != filepath.Join(outDir, "audio.wav") {
		t.Errorf("Path = %q", audio.Path)
	}
	if audio.DurationSeconds != 12.5 {
		t.Errorf("DurationSeconds = %v, want 12.5", audio.DurationSeconds)
	}
	if !slices.Equal(calls, []string{"ffmpeg-custom", "ffprobe-custom"}) {
		t.Errorf("calls = %v", calls)
	}
}

func TestExtract_MissingSource(t *testing.T) {
	t.Parallel()
	e := NewExtractor("ffmpeg", "")
	e.runner = &fakeRunner{run: func(context.Context, string, ...string) (commandResult, error) {
		t.Fatal("ffmpeg must not run for a missing source")
		return commandResult{}, nil
	}}

	_, err := e.Extract(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"), t.TempDir())
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "extracting" {
		t.Fatalf("error = %v, want extracting StageError", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error should wrap os.ErrNotExist, got %v", err)
	}
}

func TestExtract_FFmpegFailure(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	src := filepath.Join(root, "in.mkv")
	mustWriteFile(t, src, "media")

	e := NewExtractor("ffmpeg", "")
	e.runner = &fakeRunner{run: func(context.Context, string, ...string) (commandResult, error) {
		return commandResult{Stderr: "Invalid data found\n", ExitCode: 1}, errors.New("exit status 1")
	}}

	_, err := e.Extract(context.Background(), src, filepath.Join(root, "out"))
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want StageError", err)
	}
	if se.CommandLog.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", se.CommandLog.ExitCode)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Errorf("error %q should carry stderr detail", err)
	}
}

func TestTranscribe_Whisper(t *testing.T) {
	t.Parallel()
	outDir := t.TempDir()
	tr, err := NewTranscriber(TranscriberConfig{Engine: EngineWhisper, PythonPath: "py", ScriptsDir: "/scripts"})
	if err != nil {
		t.Fatalf("NewTranscriber: %v", err)
	}
	var gotArgs []string
	tr.runner = &fakeRunner{run: func(_ context.Context, name string, args ...string) (commandResult, error) {
		gotArgs = args
		return commandResult{Stdout: "loading model\n{\"text\": \" hello there \", \"language\": \"en\"}\n"}, nil
	}}

	res, err := tr.Transcribe(context.Background(), "/w/audio.wav", outDir, options.Options{Language: "en", Template: "default"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello there" {
		t.Errorf("Text = %q", res.Text)
	}
	want := []string{"/scripts/whisper.py", "/w/audio.wav", "--language", "en"}
	if !slices.Equal(gotArgs, want) {
		t.Errorf("args = %v, want %v", gotArgs, want)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if strings.TrimSpace(string(data)) != "hello there" {
		t.Errorf("transcript file = %q", data)
	}
}

func TestTranscribe_AutoLanguageOmitsFlag(t *testing.T) {
	t.Parallel()
	tr, _ := NewTranscriber(TranscriberConfig{Engine: EngineWhisper})
	args := tr.buildArgs("a.wav", "t.txt", options.Default())
	if slices.Contains(args, "--language") {
		t.Errorf("args = %v, --language must be omitted for auto", args)
	}
}

func TestTranscribe_WhisperXArgsAndFile(t *testing.T) {
	t.Parallel()
	outDir := t.TempDir()
	tr, err := NewTranscriber(TranscriberConfig{Engine: EngineWhisperX, ScriptsDir: "s", Model: "turbo", HFToken: "hf"})
	if err != nil {
		t.Fatalf("NewTranscriber: %v", err)
	}
	var gotArgs []string
	tr.runner = &fakeRunner{run: func(_ context.Context, _ string, args ...string) (commandResult, error) {
		gotArgs = args
		out := argValue(args, "--output_file")
		mustWriteFile(t, out, "[SPEAKER_00] hi\n")
		return commandResult{Stdout: `{"status": "success", "output_file": "` + out + `", "segments_count": 1}`}, nil
	}}

	opts := options.Options{Language: "pt", Template: "meeting", MinSpeakers: 2, MaxSpeakers: 3}
	res, err := tr.Transcribe(context.Background(), "a.wav", outDir, opts)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "[SPEAKER_00] hi\n" {
		t.Errorf("Text = %q", res.Text)
	}
	checks := map[string]string{
		"--model": "turbo", "--hf_token": "hf", "--language": "pt",
		"--min_speakers": "2", "--max_speakers": "3",
	}
	for flag, want := range checks {
		if got := argValue(gotArgs, flag); got != want {
			t.Errorf("%s = %q, want %q", flag, got, want)
		}
	}
}

func TestTranscribe_ScriptError(t *testing.T) {
	t.Parallel()
	tr, _ := NewTranscriber(TranscriberConfig{Engine: EngineWhisper})
	tr.runner = &fakeRunner{run: func(context.Context, string, ...string) (commandResult, error) {
		return commandResult{Stdout: `{"error": "CUDA out of memory"}`, ExitCode: 1}, errors.New("exit status 1")
	}}

	_, err := tr.Transcribe(context.Background(), "a.wav", t.TempDir(), options.Default())
	if err == nil || !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("error = %v, want script error message", err)
	}
}

func TestNewTranscriber_Validation(t *testing.T) {
	t.Parallel()
	if _, err := NewTranscriber(TranscriberConfig{Engine: "vosk"}); err == nil {
		t.Error("expected error for unknown engine")
	}
	if _, err := NewTranscriber(TranscriberConfig{Engine: EngineWhisperX}); err == nil {
		t.Error("expected error for whisperx without token")
	}
}

type fakeMessages struct {
	got anthropic.MessageNewParams
	msg *anthropic.Message
	err error
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.got = body
	return f.msg, f.err
}

func TestSummarize_UsesTemplate(t *testing.T) {
	t.Parallel()
	fm := &fakeMessages{msg: &anthropic.Message{Content: []anthropic.ContentBlockUnion{
		{Type: "text", Text: "## Overview\nAll good."},
	}}}
	s := newSummarizer(fm, SummarizerConfig{Model: "m", Templates: Templates{"default": "D", "meeting": "M"}})
	outDir := t.TempDir()

	res, err := s.Summarize(context.Background(), "transcript", "job-1", "meeting", outDir)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if res.Text != "## Overview\nAll good." {
		t.Errorf("Text = %q", res.Text)
	}
	if len(fm.got.System) != 1 || fm.got.System[0].Text != "M" {
		t.Errorf("System = %+v, want meeting prompt", fm.got.System)
	}
	if string(fm.got.Model) != "m" {
		t.Errorf("Model = %q", fm.got.Model)
	}
	if res.Path != filepath.Join(outDir, "summary.md") {
		t.Errorf("Path = %q", res.Path)
	}
}

func TestSummarize_EmptyText(t *testing.T) {
	t.Parallel()
	fm := &fakeMessages{}
	s := newSummarizer(fm, SummarizerConfig{})
	if _, err := s.Summarize(context.Background(), "  \n", "job-1", "default", t.TempDir()); err == nil {
		t.Fatal("expected error for empty transcript")
	}
}

func TestSummarize_APIError(t *testing.T) {
	t.Parallel()
	boom := errors.New("overloaded")
	s := newSummarizer(&fakeMessages{err: boom}, SummarizerConfig{})
	_, err := s.Summarize(context.Background(), "text", "job-1", "default", t.TempDir())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped %v", err, boom)
	}
}

func TestLoadTemplates_Override(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "templates.toml")
	mustWriteFile(t, path, "[templates.meeting]\nsystem = \"custom meeting\"\n")

	tpl, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	if tpl.System("meeting") != "custom meeting" {
		t.Errorf("meeting = %q", tpl.System("meeting"))
	}
	if tpl.System("lecture") != builtinTemplates["lecture"] {
		t.Error("lecture should keep the built-in prompt")
	}
	if tpl.System("unknown") != builtinTemplates["default"] {
		t.Error("unknown key should fall back to default")
	}
}

func TestLoadTemplates_EmptyPrompt(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "templates.toml")
	mustWriteFile(t, path, "[templates.meeting]\nsystem = \"\"\n")
	if _, err := LoadTemplates(path); err == nil {
		t.Error("expected error for empty system prompt")
	}
}

func TestLoadTemplates_UnknownKey(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "templates.toml")
	mustWriteFile(t, path, "[templates.standup]\nsystem = \"standup\"\n")
	_, err := LoadTemplates(path)
	if err == nil || !strings.Contains(err.Error(), "standup") {
		t.Errorf("error = %v, want unknown key standup rejected", err)
	}
}

func TestBuiltinTemplates_CoverValidKeys(t *testing.T) {
	t.Parallel()
	for _, key := range options.Templates() {
		if _, ok := builtinTemplates[key]; !ok {
			t.Errorf("no built-in prompt for template %q", key)
		}
		if err := (options.Options{Language: "auto", Template: key}).Validate(); err != nil {
			t.Errorf("Validate(%q): %v", key, err)
		}
	}
}

func TestFilteredEnv_DropsSecrets(t *testing.T) {
	t.Setenv("RELAY_WORKER_HF_TOKEN", "x")
	t.Setenv("ANTHROPIC_API_KEY", "y")
	t.Setenv("KEEP_ME", "1")
	env := filteredEnv()
	for _, kv := range env {
		if strings.HasPrefix(kv, "RELAY_") || strings.HasPrefix(kv, "ANTHROPIC_") {
			t.Errorf("secret leaked: %s", kv)
		}
	}
	if !slices.Contains(env, "KEEP_ME=1") {
		t.Error("KEEP_ME missing from filtered env")
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "markdown fence", input: "```markdown\n# Title\n- a\n```", want: "# Title\n- a"},
		{name: "plain fence", input: "```\nbody\n```", want: "body"},
		{name: "no fence unchanged", input: "# Title", want: "# Title"},
		{name: "whitespace trimmed", input: "  text  ", want: "text"},
		{name: "trailing newline after closing fence", input: "```md\nx\n```\n", want: "x"},
		{name: "empty string", input: "", want: ""},
		{name: "inner fence kept", input: "intro\n```go\ncode\n```", want: "intro\n```go\ncode\n```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripCodeFences(tt.input); got != tt.want {
				t.Errorf("stripCodeFences(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
