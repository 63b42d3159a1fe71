// Package ui renders producer jobs and sync reports for the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/relaynote/relay/internal/producer"
	"github.com/relaynote/relay/internal/syncer"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Bold(true).Width(12)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

var statusColors = map[producer.Status]lipgloss.Color{
	producer.StatusWaitingUpload: lipgloss.Color("245"),
	producer.StatusUploading:     lipgloss.Color("39"),
	producer.StatusProcessing:    lipgloss.Color("39"),
	producer.StatusReady:         lipgloss.Color("42"),
	producer.StatusCompleted:     lipgloss.Color("42"),
	producer.StatusFailed:        lipgloss.Color("214"),
	producer.StatusAbandoned:     lipgloss.Color("196"),
	producer.StatusDeleted:       lipgloss.Color("196"),
}

// Status renders a status in its color.
func Status(s producer.Status) string {
	return lipgloss.NewStyle().Foreground(statusColors[s]).Render(string(s))
}

// JobsTable renders one row per job.
func JobsTable(jobs []*producer.Job) string {
	if len(jobs) == 0 {
		return dimStyle.Render("no jobs")
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			shortID(j.ID),
			j.DisplayName,
			string(j.Status),
			fmt.Sprintf("%d", j.RetryCount),
			j.RecordedAt.Local().Format("2006-01-02 15:04"),
			truncate(j.LastError, 40),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("ID", "FILE", "STATUS", "RETRY", "RECORDED", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 {
				return cellStyle.Foreground(statusColors[jobs[row].Status])
			}
			return cellStyle
		})
	return t.String()
}

// JobDetail renders every field of one job.
func JobDetail(j *producer.Job) string {
	var b strings.Builder
	line := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}
	line("ID", j.ID)
	line("File", j.DisplayName)
	line("Source", j.SourcePath)
	line("Status", Status(j.Status))
	line("Retries", fmt.Sprintf("%d/%d", j.RetryCount, producer.MaxRetries))
	line("Recorded", j.RecordedAt.Local().Format(time.RFC3339))
	line("Updated", j.UpdatedAt.Local().Format(time.RFC3339))
	if j.Options != nil {
		line("Language", j.Options.Language)
		line("Template", j.Options.Template)
		if j.Options.MinSpeakers > 0 || j.Options.MaxSpeakers > 0 {
			line("Speakers", fmt.Sprintf("%d-%d", j.Options.MinSpeakers, j.Options.MaxSpeakers))
		}
	} else {
		line("Options", dimStyle.Render("not chosen yet"))
	}
	if j.LastError != "" {
		line("Error", j.LastError)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Report renders the counters of one sync cycle, omitting zeros.
func Report(r syncer.Report) string {
	parts := []struct {
		label string
		n     int
	}{
		{"recovered", r.Recovered},
		{"new", r.Ingested},
		{"missing", r.Deleted},
		{"ready", r.Ready},
		{"worker failed", r.WorkerFailed},
		{"completed", r.Completed},
		{"uploaded", r.Uploaded},
		{"upload failed", r.UploadFailed},
	}
	var out []string
	for _, p := range parts {
		if p.n > 0 {
			out = append(out, fmt.Sprintf("%s %d", p.label, p.n))
		}
	}
	if len(out) == 0 {
		return dimStyle.Render("nothing to do")
	}
	return strings.Join(out, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
