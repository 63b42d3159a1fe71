// Package options holds the processing configuration carried with every job
// from the producer to the worker.
package options

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	DefaultLanguage = "auto"
	DefaultTemplate = "default"
)

// Header names used to carry options on an upload request.
const (
	HeaderLanguage    = "X-Language"
	HeaderTemplate    = "X-Template"
	HeaderMinSpeakers = "X-Min-Speakers"
	HeaderMaxSpeakers = "X-Max-Speakers"
)

var validTemplates = map[string]bool{
	"default":   true,
	"meeting":   true,
	"lecture":   true,
	"interview": true,
}

// Templates returns the known template keys in display order.
func Templates() []string {
	return []string{"default", "meeting", "lecture", "interview"}
}

// Options is the processing configuration for one job. Zero speaker counts mean
// "let the transcriber decide".
type Options struct {
	Language    string `json:"language"`
	Template    string `json:"template"`
	MinSpeakers int    `json:"min_speakers,omitempty"`
	MaxSpeakers int    `json:"max_speakers,omitempty"`
}

// Default returns the options used when nothing was chosen.
func Default() Options {
	return Options{Language: DefaultLanguage, Template: DefaultTemplate}
}

// WithDefaults fills empty fields with their default values.
func (o Options) WithDefaults() Options {
	if strings.TrimSpace(o.Language) == "" {
		o.Language = DefaultLanguage
	}
	if strings.TrimSpace(o.Template) == "" {
		o.Template = DefaultTemplate
	}
	return o
}

func (o Options) Validate() error {
	if !validTemplates[o.Template] {
		return fmt.Errorf("template must be one of: %s", strings.Join(Templates(), ", "))
	}
	if o.MinSpeakers < 0 || o.MaxSpeakers < 0 {
		return errors.New("speaker counts must not be negative")
	}
	if o.MinSpeakers > 0 && o.MaxSpeakers > 0 && o.MaxSpeakers < o.MinSpeakers {
		return errors.New("max speakers must be >= min speakers")
	}
	return nil
}

// SetHeaders writes o onto h. Unset speaker counts are omitted.
func (o Options) SetHeaders(h http.Header) {
	h.Set(HeaderLanguage, o.Language)
	h.Set(HeaderTemplate, o.Template)
	if o.MinSpeakers > 0 {
		h.Set(HeaderMinSpeakers, strconv.Itoa(o.MinSpeakers))
	}
	if o.MaxSpeakers > 0 {
		h.Set(HeaderMaxSpeakers, strconv.Itoa(o.MaxSpeakers))
	}
}

// FromHeaders parses options from request headers, applying defaults and
// validating the result.
func FromHeaders(h http.Header) (Options, error) {
	o := Options{
		Language: strings.TrimSpace(h.Get(HeaderLanguage)),
		Template: strings.TrimSpace(h.Get(HeaderTemplate)),
	}

	var err error
	if o.MinSpeakers, err = headerInt(h, HeaderMinSpeakers); err != nil {
		return Options{}, err
	}
	if o.MaxSpeakers, err = headerInt(h, HeaderMaxSpeakers); err != nil {
		return Options{}, err
	}

	o = o.WithDefaults()
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

func headerInt(h http.Header, key string) (int, error) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}
