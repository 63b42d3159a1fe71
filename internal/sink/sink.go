// Package sink writes finished job results next to the user's notes: a plain
// transcript file and a markdown note with YAML front matter.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaynote/relay/internal/options"
	"github.com/relaynote/relay/internal/producer"
	"github.com/relaynote/relay/internal/retry"
)

// FrontMatter is the metadata block at the top of every note.
type FrontMatter struct {
	JobID      string    `yaml:"job_id"`
	Source     string    `yaml:"source"`
	RecordedAt time.Time `yaml:"recorded_at"`
	Language   string    `yaml:"language"`
	Template   string    `yaml:"template"`
}

// FileSink writes results into one output directory.
type FileSink struct {
	dir    string
	policy retry.Policy
}

func New(dir string) *FileSink {
	return &FileSink{dir: dir, policy: retry.Default}
}

// Write stores the note and, when present, the transcript. Rewriting the same
// job replaces the previous files.
func (s *FileSink) Write(j *producer.Job, summary, transcript string) error {
	base := baseName(j)

	if transcript != "" {
		path := filepath.Join(s.dir, base+".transcript.txt")
		if err := s.writeFile(path, []byte(transcript)); err != nil {
			return fmt.Errorf("write transcript: %w", err)
		}
	}

	note, err := Render(j, summary)
	if err != nil {
		return err
	}
	if err := s.writeFile(filepath.Join(s.dir, base+".md"), note); err != nil {
		return fmt.Errorf("write note: %w", err)
	}
	return nil
}

// Render builds the markdown note for a job.
func Render(j *producer.Job, summary string) ([]byte, error) {
	opts := options.Default()
	if j.Options != nil {
		opts = j.Options.WithDefaults()
	}
	fm := FrontMatter{
		JobID:      j.ID,
		Source:     j.SourcePath,
		RecordedAt: j.RecordedAt.UTC(),
		Language:   opts.Language,
		Template:   opts.Template,
	}
	meta, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(meta)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimSpace(summary))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// writeFile writes through a temp file and a rename so that a reader never
// sees a partial note. Failures are retried since the target may be briefly
// locked by an editor or a sync client.
func (s *FileSink) writeFile(path string, data []byte) error {
	return retry.Do(context.Background(), s.policy, func(int) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(filepath.Dir(path), ".relay-*.tmp")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())

		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return err
		}
		return os.Rename(tmp.Name(), path)
	})
}

// baseName derives the output file stem from the display name, extension
// included, so recordings that differ only by extension get distinct notes.
// It falls back to the job id.
func baseName(j *producer.Job) string {
	name := strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, j.DisplayName))
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return j.ID
	}
	return name
}
