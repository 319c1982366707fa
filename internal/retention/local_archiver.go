package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/pkg/models"
)

// LocalFileArchiver writes scrubbed emails as JSONL files to a local directory.
//
// Directory structure:
//
//	{basePath}/emails/2026-02-20T15-04-05.000000000Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// archivedEmail keeps the raw message, which EmailInteraction omits from JSON.
type archivedEmail struct {
	models.EmailInteraction
	RawEmail string `json:"raw_email,omitempty"`
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.loanpilot/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "loanpilot", "archive")
		} else {
			basePath = filepath.Join(home, ".loanpilot", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) ArchiveEmails(_ context.Context, emails []models.EmailInteraction) (path string, err error) {
	dir := filepath.Join(a.basePath, "emails")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.OpenFile(fpath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
		if err != nil {
			os.Remove(fpath)
		}
	}()

	var w io.Writer = f
	var gw *gzip.Writer
	if a.compress {
		gw = gzip.NewWriter(f)
		w = gw
	}
	enc := json.NewEncoder(w)
	for _, e := range emails {
		if err := enc.Encode(archivedEmail{EmailInteraction: e, RawEmail: e.RawEmail}); err != nil {
			return "", fmt.Errorf("encode email %s: %w", e.ID, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return "", fmt.Errorf("flush archive: %w", err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(emails)).
		Msg("Archived emails to local file")

	return fpath, nil
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o700); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
