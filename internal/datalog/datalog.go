// Package datalog writes telemetry to time-sliced CSV files.
package datalog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/sensor"
)

const (
	// FolderName is the directory created under each candidate location.
	FolderName = "BendLabs"

	MinRotationMinutes = 1
	MaxRotationMinutes = 60

	fileTimeLayout = "01-02-2006_15-04-05"
	rowTimeLayout  = "3:04:05.0000 PM"
	maxUniqueTries = 1000
)

var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrLogWriteFailure    = errors.New("log write failure")
	ErrInvalidRotation    = fmt.Errorf("rotation must be between %d and %d minutes", MinRotationMinutes, MaxRotationMinutes)
)

// Logger appends samples to CSV files and rotates them on a wall-clock
// interval. It owns at most one open file at a time.
type Logger struct {
	mu     sync.Mutex
	logger *logrus.Logger
	now    func() time.Time
	dirs   []string

	enabled  bool
	dir      string
	prefix   string
	rotation time.Duration
	deadline time.Time
	variant  sensor.Variant

	file   *os.File
	w      *bufio.Writer
	path   string
	opened []string
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithDirs replaces the candidate output directories, tried in order.
func WithDirs(dirs ...string) Option {
	return func(l *Logger) { l.dirs = dirs }
}

// New creates a disabled Logger. preferred, when set, is tried before the
// default candidate locations.
func New(logger *logrus.Logger, preferred string, opts ...Option) *Logger {
	l := &Logger{
		logger: logger,
		now:    time.Now,
		dirs:   DefaultDirs(preferred),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultDirs lists the candidate output directories: preferred first, then
// Documents, the user config dir and the temp dir.
func DefaultDirs(preferred string) []string {
	var dirs []string
	if preferred != "" {
		dirs = append(dirs, preferred)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "Documents", FolderName))
	}
	if cfg, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(cfg, "bendlink", FolderName))
	}
	return append(dirs, filepath.Join(os.TempDir(), FolderName))
}

// Start enables logging. The first file is opened lazily by Append.
func (l *Logger) Start(prefix string, rotationMinutes int, variant sensor.Variant) error {
	if rotationMinutes < MinRotationMinutes || rotationMinutes > MaxRotationMinutes {
		return fmt.Errorf("%w: got %d", ErrInvalidRotation, rotationMinutes)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.enabled {
		l.closeLocked()
	}

	dir, err := l.resolveDir()
	if err != nil {
		return err
	}

	l.enabled = true
	l.dir = dir
	l.prefix = strings.TrimSpace(prefix)
	l.rotation = time.Duration(rotationMinutes) * time.Minute
	l.deadline = l.now().Add(l.rotation)
	l.variant = variant

	l.logger.WithFields(logrus.Fields{
		"dir":      dir,
		"prefix":   l.prefix,
		"rotation": l.rotation,
	}).Info("Data logging started")
	return nil
}

// resolveDir returns the first candidate that can be created and written.
func (l *Logger) resolveDir() (string, error) {
	var errs []error
	for _, dir := range l.dirs {
		if err := probeDir(dir); err != nil {
			l.logger.WithFields(logrus.Fields{
				"dir":   dir,
				"error": err,
			}).Debug("Log directory candidate rejected")
			errs = append(errs, err)
			continue
		}
		return dir, nil
	}
	return "", fmt.Errorf("%w: %w", ErrStorageUnavailable, errors.Join(errs...))
}

func probeDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// SetVariant changes the header used for files opened from now on.
func (l *Logger) SetVariant(v sensor.Variant) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.variant = v
}

// Append writes one row, opening or rotating the file first when needed.
// v is the variant the sample was decoded with; a known v picks the header
// of a file opened by this call. On a write failure the handle is dropped
// so the next call reopens.
func (l *Logger) Append(s sensor.Sample, v sensor.Variant) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}
	if v != sensor.Unknown {
		l.variant = v
	}

	now := l.now()
	if l.file != nil && now.After(l.deadline) {
		l.closeLocked()
		l.deadline = now.Add(l.rotation)
	}
	if l.file == nil {
		if now.After(l.deadline) {
			l.deadline = now.Add(l.rotation)
		}
		if err := l.openLocked(now); err != nil {
			return err
		}
	}

	if _, err := l.w.WriteString(FormatRow(s)); err != nil {
		l.failLocked(err)
		return fmt.Errorf("%w: %w", ErrLogWriteFailure, err)
	}
	return nil
}

// Flush pushes buffered rows to the file.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		l.failLocked(err)
		return fmt.Errorf("%w: %w", ErrLogWriteFailure, err)
	}
	return nil
}

// Stop flushes and closes the current file and disables logging. Idempotent.
func (l *Logger) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}
	l.enabled = false
	err := l.closeLocked()
	l.logger.WithField("files", len(l.opened)).Info("Data logging stopped")
	return err
}

// Enabled reports whether logging is on.
func (l *Logger) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Path returns the currently open file, or "".
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Files returns every file opened since New.
func (l *Logger) Files() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.opened...)
}

// Dir returns the resolved output directory.
func (l *Logger) Dir() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dir
}

func (l *Logger) openLocked(now time.Time) error {
	base := now.Format(fileTimeLayout)
	if l.prefix != "" {
		base = l.prefix + "_" + base
	}

	f, path, err := createUnique(l.dir, base, ".csv")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLogWriteFailure, err)
	}

	l.file = f
	l.w = bufio.NewWriter(f)
	l.path = path
	l.opened = append(l.opened, path)

	if _, err := l.w.WriteString(Header(l.variant)); err != nil {
		l.failLocked(err)
		return fmt.Errorf("%w: %w", ErrLogWriteFailure, err)
	}

	l.logger.WithFields(logrus.Fields{
		"path":     path,
		"deadline": l.deadline.Format(time.RFC3339),
	}).Debug("Opened log file")
	return nil
}

// createUnique creates dir/base+ext, or "base (n)+ext" when taken.
func createUnique(dir, base, ext string) (*os.File, string, error) {
	for i := 1; i <= maxUniqueTries; i++ {
		name := base + ext
		if i > 1 {
			name = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free file name for %s%s", base, ext)
}

func (l *Logger) closeLocked() error {
	if l.file == nil {
		return nil
	}
	var errs []error
	if err := l.w.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	l.file, l.w, l.path = nil, nil, ""
	return errors.Join(errs...)
}

func (l *Logger) failLocked(err error) {
	l.logger.WithFields(logrus.Fields{
		"path":  l.path,
		"error": err,
	}).Warn("Error logging to file")
	if l.file != nil {
		_ = l.file.Close()
	}
	l.file, l.w, l.path = nil, nil, ""
}

// Header returns the CSV header line for a variant.
func Header(v sensor.Variant) string {
	if v == sensor.SingleAxis {
		return "Bend,Stretch,Unix Time,Local Time\n"
	}
	return "Bend Horizontal,Bend Vertical,Unix Time,Local Time\n"
}

// FormatRow renders one CSV row. The local time is wrapped as a formula so
// spreadsheets keep it as text.
func FormatRow(s sensor.Sample) string {
	return fmt.Sprintf("%.2f,%.2f,%d,=\"%s\"\n",
		s.Value1, s.Value2, s.Timestamp.UnixMilli(), s.Timestamp.Local().Format(rowTimeLayout))
}
