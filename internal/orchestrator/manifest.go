package orchestrator

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/skeinworks/skein/internal/types"
)

// buildManifest snapshots the task's evidence bundle: one entry per evidence
// path, checksummed when the file is readable under base. Unreadable paths
// still appear with an empty checksum so specialized-tier trigger patterns
// can match them; validators decide what a missing file means.
func buildManifest(base string, evidence []string, now time.Time) *types.Manifest {
	if len(evidence) == 0 {
		return nil
	}
	m := &types.Manifest{GeneratedAt: now, Files: make([]types.ManifestEntry, 0, len(evidence))}
	for _, path := range evidence {
		entry := types.ManifestEntry{Path: path}
		data, err := os.ReadFile(filepath.Join(base, path)) // #nosec G304 - evidence paths are caller data under base
		if err == nil {
			entry.SHA256 = fmt.Sprintf("%x", sha256.Sum256(data))
			entry.Size = int64(len(data))
		}
		m.Files = append(m.Files, entry)
	}
	return m
}
