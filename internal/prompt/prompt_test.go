package prompt

import (
	"context"
	"errors"
	"testing"

	"github.com/relaynote/relay/internal/options"
)

func TestPrompt_NonInteractiveReturnsDefaults(t *testing.T) {
	t.Parallel()
	f := New(options.Options{Language: "fr"})
	f.interactive = func() bool { return false }
	f.run = func(context.Context, string, *options.Options) error {
		t.Fatal("form shown without a terminal")
		return nil
	}

	got, err := f.Prompt(context.Background(), "a.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if got != (options.Options{Language: "fr", Template: "default"}) {
		t.Errorf("options = %+v", got)
	}
}

func TestPrompt_InteractiveUsesFormValues(t *testing.T) {
	t.Parallel()
	f := New(options.Default())
	f.interactive = func() bool { return true }
	var label string
	f.run = func(_ context.Context, l string, o *options.Options) error {
		label = l
		o.Language = "de"
		o.Template = "interview"
		o.MinSpeakers = 2
		o.MaxSpeakers = 3
		return nil
	}

	got, err := f.Prompt(context.Background(), "call.mkv")
	if err != nil {
		t.Fatal(err)
	}
	if label != "call.mkv" {
		t.Errorf("label = %q", label)
	}
	want := options.Options{Language: "de", Template: "interview", MinSpeakers: 2, MaxSpeakers: 3}
	if got != want {
		t.Errorf("options = %+v, want %+v", got, want)
	}
}

func TestPrompt_InvalidFormValues(t *testing.T) {
	t.Parallel()
	f := New(options.Default())
	f.interactive = func() bool { return true }
	f.run = func(_ context.Context, _ string, o *options.Options) error {
		o.MinSpeakers = 4
		o.MaxSpeakers = 2
		return nil
	}
	if _, err := f.Prompt(context.Background(), "x"); err == nil {
		t.Error("expected validation error")
	}
}

func TestPrompt_FormAborted(t *testing.T) {
	t.Parallel()
	f := New(options.Default())
	f.interactive = func() bool { return true }
	f.run = func(context.Context, string, *options.Options) error { return errors.New("user aborted") }
	if _, err := f.Prompt(context.Background(), "x"); err == nil {
		t.Error("expected error")
	}
}

func TestParseSpeakers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"3", 3, false},
		{" 2 ", 2, false},
		{"-1", 0, true},
		{"two", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSpeakers(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseSpeakers(%q) = %d, %v", tt.in, got, err)
		}
	}
}
