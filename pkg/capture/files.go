package capture

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomworks/loom/pkg/models"
)

const (
	// DefaultMaxEmbedFileSize is the size above which file content is never
	// embedded, only described.
	DefaultMaxEmbedFileSize = 1 << 20 // 1 MB
	// DefaultEmbedBytes is how much of a textual file's head is embedded.
	DefaultEmbedBytes = 5 * 1024
)

// FileScanner inspects discovered paths inside a run's working directory.
type FileScanner struct {
	workdir      string
	maxEmbedSize int64
	embedBytes   int
}

// NewFileScanner creates a scanner rooted at workdir. Zero limits use the
// package defaults.
func NewFileScanner(workdir string, maxEmbedSize int64, embedBytes int) *FileScanner {
	if maxEmbedSize <= 0 {
		maxEmbedSize = DefaultMaxEmbedFileSize
	}
	if embedBytes <= 0 {
		embedBytes = DefaultEmbedBytes
	}
	return &FileScanner{workdir: workdir, maxEmbedSize: maxEmbedSize, embedBytes: embedBytes}
}

// Inspect stats a path relative to the workdir and builds its file_gen
// payload. Binary or oversized files get content_omitted instead of content.
// Returns false for paths that escape the workdir or do not exist.
func (s *FileScanner) Inspect(path string) (models.FileGenPayload, bool) {
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return models.FileGenPayload{}, false
	}
	full := filepath.Join(s.workdir, clean)

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return models.FileGenPayload{}, false
	}

	ext := FileExtension(clean)
	payload := models.FileGenPayload{
		Path:      clean,
		FileType:  ext,
		SizeBytes: info.Size(),
	}
	if !TextualExtension(ext) || info.Size() > s.maxEmbedSize {
		payload.ContentOmitted = true
		return payload, true
	}

	f, err := os.Open(full)
	if err != nil {
		payload.ContentOmitted = true
		return payload, true
	}
	defer f.Close()
	head := make([]byte, s.embedBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		payload.ContentOmitted = true
		return payload, true
	}
	payload.Content = string(head[:n])
	return payload, true
}

// CaptureFiles extracts file paths from the given texts, inspects the new
// ones through the scanner and records one file_gen event each. Paths
// already captured for this run are skipped. triggerEventID links artifacts
// back to the event whose output revealed them.
func (r *Recorder) CaptureFiles(ctx context.Context, nodeID, agent, triggerEventID string, scanner *FileScanner, texts ...string) []*models.Event {
	var recorded []*models.Event
	for _, text := range texts {
		for _, path := range ExtractFilePaths(text) {
			if !r.seen.claim(path) {
				continue
			}

			payload, ok := scanner.Inspect(path)
			if !ok {
				continue
			}
			payload.Agent = agent
			payload.TriggerEventID = triggerEventID

			ev, err := r.Record(ctx, nodeID, payload)
			if err != nil {
				slog.Warn("File capture event dropped",
					"run_id", r.runID, "path", path, "error", err)
				continue
			}
			recorded = append(recorded, ev)
		}
	}
	return recorded
}
