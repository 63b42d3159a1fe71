package worker

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/relaynote/relay/internal/options"
)

var builtinTemplates = map[string]string{
	"default": `You summarize transcripts of recordings. Write a concise markdown summary with a
short overview paragraph followed by the key points as a bullet list. Use the language of the
transcript.`,
	"meeting": `You summarize meeting transcripts. Write markdown with the sections "Overview",
"Decisions", "Action items" (with owners when named) and "Open questions". Omit empty sections.
Use the language of the transcript.`,
	"lecture": `You summarize lecture transcripts for a student. Write markdown with the main topic,
the key concepts each with a one or two sentence explanation, and a short list of review
questions. Use the language of the transcript.`,
	"interview": `You summarize interview transcripts. Write markdown with a short profile of the
participants, the main questions asked with a summary of each answer, and notable quotes. Use the
language of the transcript.`,
}

// Templates maps a template key to the system prompt used for the summary.
type Templates map[string]string

type templatesFile struct {
	Templates map[string]struct {
		System string `toml:"system"`
	} `toml:"templates"`
}

// LoadTemplates returns the built-in catalog, overridden by the entries of the
// TOML file at path when path is non-empty:
//
//	[templates.meeting]
//	system = "..."
//
// The file may only override keys accepted by options.Validate; uploads with
// any other key are rejected, so such an entry is an error.
func LoadTemplates(path string) (Templates, error) {
	t := make(Templates, len(builtinTemplates))
	for k, v := range builtinTemplates {
		t[k] = v
	}
	if path == "" {
		return t, nil
	}

	var f templatesFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode templates %s: %w", path, err)
	}
	for k, v := range f.Templates {
		if !slices.Contains(options.Templates(), k) {
			return nil, fmt.Errorf("template %q: unknown key, want one of %s", k, strings.Join(options.Templates(), ", "))
		}
		if strings.TrimSpace(v.System) == "" {
			return nil, fmt.Errorf("template %q: system prompt is empty", k)
		}
		t[k] = v.System
	}
	return t, nil
}

// System returns the prompt for key, falling back to the default template.
func (t Templates) System(key string) string {
	if s, ok := t[key]; ok {
		return s
	}
	return t["default"]
}
