// Package prompt asks the user for the processing options of a new recording.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/relaynote/relay/internal/options"
)

var languages = []string{"auto", "en", "fr", "de", "es", "it", "nl", "pt"}

// Form shows an interactive form when stdin is a terminal and returns the
// defaults otherwise, so unattended runs never block.
type Form struct {
	defaults    options.Options
	interactive func() bool
	run         func(ctx context.Context, label string, o *options.Options) error
}

func New(defaults options.Options) *Form {
	return &Form{
		defaults:    defaults.WithDefaults(),
		interactive: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		run:         runForm,
	}
}

func (f *Form) Prompt(ctx context.Context, jobLabel string) (options.Options, error) {
	o := f.defaults
	if !f.interactive() {
		return o, nil
	}
	if err := f.run(ctx, jobLabel, &o); err != nil {
		return options.Options{}, fmt.Errorf("options form for %s: %w", jobLabel, err)
	}
	o = o.WithDefaults()
	if err := o.Validate(); err != nil {
		return options.Options{}, err
	}
	return o, nil
}

func runForm(ctx context.Context, label string, o *options.Options) error {
	minSpeakers := speakerString(o.MinSpeakers)
	maxSpeakers := speakerString(o.MaxSpeakers)

	templateOpts := make([]huh.Option[string], 0, len(options.Templates()))
	for _, t := range options.Templates() {
		templateOpts = append(templateOpts, huh.NewOption(t, t))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("New recording").
				Description(label),
			huh.NewSelect[string]().
				Title("Language").
				Options(huh.NewOptions(languages...)...).
				Value(&o.Language),
			huh.NewSelect[string]().
				Title("Summary template").
				Options(templateOpts...).
				Value(&o.Template),
			huh.NewInput().
				Title("Minimum speakers").
				Placeholder("auto").
				Validate(validateSpeakers).
				Value(&minSpeakers),
			huh.NewInput().
				Title("Maximum speakers").
				Placeholder("auto").
				Validate(validateSpeakers).
				Value(&maxSpeakers),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return err
	}

	o.MinSpeakers, _ = parseSpeakers(minSpeakers)
	o.MaxSpeakers, _ = parseSpeakers(maxSpeakers)
	return nil
}

func validateSpeakers(s string) error {
	_, err := parseSpeakers(s)
	return err
}

// parseSpeakers reads a speaker count; blank means unset.
func parseSpeakers(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("enter a positive number or leave blank")
	}
	return n, nil
}

func speakerString(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}
