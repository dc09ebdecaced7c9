package selector

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sermon-relay/backend/config"
	"github.com/sermon-relay/backend/internal/models"
)

// Outcome classifies a selection result.
type Outcome string

const (
	// OutcomeAuto means exactly one file qualified and was selected.
	OutcomeAuto Outcome = "auto"
	// OutcomeAmbiguous means several files qualified; candidates are ranked
	// newest-first and the caller must disambiguate.
	OutcomeAmbiguous Outcome = "ambiguous"
	// OutcomeNoQualifying means files were found in the window but none met
	// the minimum duration. Distinct from an empty directory.
	OutcomeNoQualifying Outcome = "no_qualifying"
	// OutcomeNoFiles means no video files fell in the window at all.
	OutcomeNoFiles Outcome = "no_files"
)

// Result is the output of one selection pass.
type Result struct {
	Outcome    Outcome
	Selected   *models.RecordingFile
	Candidates []models.RecordingFile // ambiguous only, newest-first
}

// video file extensions considered recordings
var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".flv": true, ".mov": true,
	".avi": true, ".webm": true, ".ts": true,
}

// Selector picks the recording for a finished session out of a directory.
type Selector struct {
	cfg    config.SelectionConfig
	logger *zap.Logger
}

// New creates a selector.
func New(cfg config.SelectionConfig, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{cfg: cfg, logger: logger}
}

// Scan enumerates video files in dir whose modification time falls within
// [start-slack, end+slack], newest first. Duration comes from ffprobe when
// available, otherwise a size-based estimate.
func (s *Selector) Scan(dir string, start, end time.Time) ([]models.RecordingFile, error) {
	slack := time.Duration(s.cfg.WindowSlackSeconds) * time.Second
	lo, hi := start.Add(-slack), end.Add(slack)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []models.RecordingFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !videoExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("stat failed", zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		mod := info.ModTime()
		if mod.Before(lo) || mod.After(hi) {
			s.logger.Debug("file outside window",
				zap.String("name", entry.Name()), zap.Time("modified", mod))
			continue
		}
		path := filepath.Join(dir, entry.Name())
		files = append(files, models.RecordingFile{
			Path:       path,
			Name:       entry.Name(),
			Size:       info.Size(),
			Duration:   s.probeDuration(path, info.Size()),
			CreatedAt:  mod, // modification time as proxy
			ModifiedAt: mod,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModifiedAt.After(files[j].ModifiedAt)
	})

	s.logger.Info("scanned recording directory",
		zap.String("dir", dir), zap.Int("matches", len(files)))
	return files, nil
}

// Select applies the threshold policy to a scan.
func (s *Selector) Select(dir string, start, end time.Time) (Result, error) {
	files, err := s.Scan(dir, start, end)
	if err != nil {
		return Result{}, err
	}
	return s.Choose(files), nil
}

// Choose applies the threshold policy to already-scanned files (newest first).
// Files below the short threshold are false starts and discarded; one file at
// or above the minimum duration is auto-selected; several qualify as ranked
// candidates; none qualifying is distinct from no files at all.
func (s *Selector) Choose(files []models.RecordingFile) Result {
	if len(files) == 0 {
		return Result{Outcome: OutcomeNoFiles}
	}

	short := float64(s.cfg.ShortVideoSeconds)
	min := float64(s.cfg.MinUploadSeconds)

	var qualifying []models.RecordingFile
	for _, f := range files {
		if f.Duration < short {
			s.logger.Debug("discarding short file",
				zap.String("name", f.Name), zap.Float64("duration", f.Duration))
			continue
		}
		if f.Duration >= min {
			qualifying = append(qualifying, f)
		}
	}

	switch len(qualifying) {
	case 0:
		// Files exist in the window but nothing is uploadable; callers must
		// distinguish this from an empty window.
		return Result{Outcome: OutcomeNoQualifying}
	case 1:
		f := qualifying[0]
		s.logger.Info("auto-selected recording",
			zap.String("name", f.Name), zap.Float64("duration", f.Duration))
		return Result{Outcome: OutcomeAuto, Selected: &f}
	default:
		// Already newest-first from Scan; keep the order as the ranking.
		s.logger.Info("ambiguous recording selection",
			zap.Int("candidates", len(qualifying)))
		return Result{Outcome: OutcomeAmbiguous, Candidates: qualifying}
	}
}

// probeDuration runs ffprobe and falls back to a size estimate (~5MB/minute
// of 1080p) when ffprobe is missing or fails.
func (s *Selector) probeDuration(path string, size int64) float64 {
	out, err := exec.Command(s.cfg.FFProbePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err == nil {
		if d, perr := strconv.ParseFloat(strings.TrimSpace(string(out)), 64); perr == nil {
			s.logger.Debug("ffprobe duration", zap.String("path", path), zap.Float64("seconds", d))
			return d
		}
	} else {
		s.logger.Debug("ffprobe unavailable, estimating duration", zap.Error(err))
	}
	perMin := s.cfg.EstimateBytesPerMin
	if perMin <= 0 {
		perMin = 5 * 1024 * 1024
	}
	return float64(size) / float64(perMin) * 60.0
}
