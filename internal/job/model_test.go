package job

import (
	"testing"

	"github.com/relaynote/relay/internal/options"
)

func TestValidate_EmptyID(t *testing.T) {
	t.Parallel()
	r := &UploadRequest{Options: options.Default()}
	if err := r.Validate(); err == nil {
		t.Error("expected error for empty id, got nil")
	}
}

func TestValidate_UnsafeID(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"../etc", "a/b", ".hidden", "with space"} {
		r := &UploadRequest{ID: id, Options: options.Default()}
		if err := r.Validate(); err == nil {
			t.Errorf("Validate(%q): expected error, got nil", id)
		}
	}
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()
	r := &UploadRequest{ID: "3f1c2a9e-0b7d-4c55-9a1e-2d3b4c5d6e7f", Options: options.Default()}
	if err := r.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}
