package agent

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	maxImageBytes       = 5 << 20  // 5 MB
	maxFileBytes        = 1 << 30  // 1 GB
	maxArtifactsPerturn = 10
)

// markdownRef matches both image refs ![alt](path) and link refs
// [text](path). Group 1 is "!" for images, group 3 the target.
var markdownRef = regexp.MustCompile(`(!?)\[([^\]]*)\]\(([^)\s]+)\)`)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".svg":  true,
}

// harvester extracts image and file artifacts referenced by a result
// text. Only paths that resolve inside the workspace root survive;
// symlinks are resolved before the containment check.
type harvester struct {
	root   string
	logger *slog.Logger
}

func newHarvester(workspaceRoot string, logger *slog.Logger) *harvester {
	return &harvester{root: workspaceRoot, logger: logger}
}

// Harvest scans text for markdown references and returns the contained,
// size-checked artifacts split into images and files.
func (h *harvester) Harvest(text string) (images, files []Artifact) {
	if h.root == "" {
		return nil, nil
	}
	resolvedRoot, err := filepath.EvalSymlinks(h.root)
	if err != nil {
		h.logger.Warn("Workspace root not resolvable, skipping artifact harvest",
			"error", err)
		return nil, nil
	}

	seen := make(map[string]bool)
	total := 0
	for _, m := range markdownRef.FindAllStringSubmatch(text, -1) {
		target := m[3]
		if isRemoteRef(target) {
			continue
		}

		path := target
		if !filepath.IsAbs(path) {
			path = filepath.Join(h.root, path)
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			continue
		}
		if !contained(resolvedRoot, resolved) {
			h.logger.Warn("Dropped artifact outside workspace", "path", target)
			continue
		}
		if seen[resolved] {
			continue
		}

		info, err := os.Stat(resolved)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		if total >= maxArtifactsPerturn {
			h.logger.Warn("Dropped artifact over per-message limit",
				"path", target, "limit", maxArtifactsPerturn)
			continue
		}

		isImage := m[1] == "!" || imageExtensions[strings.ToLower(filepath.Ext(resolved))]
		limit := int64(maxFileBytes)
		if isImage {
			limit = maxImageBytes
		}
		if info.Size() > limit {
			h.logger.Warn("Dropped oversize artifact",
				"path", target, "size", info.Size(), "limit", limit)
			continue
		}

		seen[resolved] = true
		total++
		artifact := Artifact{Path: resolved, SizeBytes: info.Size()}
		if isImage {
			images = append(images, artifact)
		} else {
			files = append(files, artifact)
		}
	}
	return images, files
}

// contained reports whether path sits under root. Both arguments must
// already be symlink-resolved; the check walks path components rather
// than comparing string prefixes.
func contained(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func isRemoteRef(target string) bool {
	return strings.HasPrefix(target, "http://") ||
		strings.HasPrefix(target, "https://") ||
		strings.HasPrefix(target, "data:") ||
		strings.HasPrefix(target, "mailto:")
}
