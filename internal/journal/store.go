package journal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	DefaultMainFileName = "main.txt"
	DefaultLogFileName  = "log.txt"

	filePermissions = 0o644
	dirPermissions  = 0o755
)

var (
	errMissingDir = errors.New("journal: directory is required")
	errClosed     = errors.New("journal: store is closed")
	// errLogUnrecoverable latches once a failed append could not be rolled back.
	errLogUnrecoverable = errors.New("journal: log left in an unknown state")
)

// logHandle is the subset of *os.File the store writes the log through.
type logHandle interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

// Config describes where the log and main store live.
type Config struct {
	Dir          string
	MainFileName string
	LogFileName  string
	Logger       *zap.Logger
}

// CompactionResult reports what a single Compact call moved.
type CompactionResult struct {
	EventsMoved int
	BytesMoved  int64
}

// ScanResult reports the outcome of reading one file.
type ScanResult struct {
	Events    int
	Malformed int
}

// FileStore persists events to an append-only log file that is periodically
// folded into an append-only main file.
type FileStore struct {
	mainPath string
	logPath  string
	logger   *zap.Logger

	// appendMu serializes writes to the log, including the tail rewrite in Compact.
	appendMu sync.Mutex
	logFile  logHandle
	broken   error

	openLog func(path string, flag int) (logHandle, error)
	rename  func(oldPath, newPath string) error

	compactMu sync.Mutex
}

// Open prepares the directory and both files and returns a ready store.
func Open(cfg Config) (*FileStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errMissingDir
	}
	mainName := cfg.MainFileName
	if mainName == "" {
		mainName = DefaultMainFileName
	}
	logName := cfg.LogFileName
	if logName == "" {
		logName = DefaultLogFileName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	mainPath := filepath.Join(cfg.Dir, mainName)
	mainFile, err := os.OpenFile(mainPath, os.O_CREATE|os.O_RDONLY, filePermissions)
	if err != nil {
		return nil, fmt.Errorf("journal: open main store: %w", err)
	}
	_ = mainFile.Close()

	logPath := filepath.Join(cfg.Dir, logName)
	logFile, err := openOSLog(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY)
	if err != nil {
		return nil, fmt.Errorf("journal: open log: %w", err)
	}

	store := &FileStore{
		mainPath: mainPath,
		logPath:  logPath,
		logger:   logger,
		logFile:  logFile,
		openLog:  openOSLog,
		rename:   os.Rename,
	}
	if err := store.terminateTornTail(); err != nil {
		_ = logFile.Close()
		return nil, err
	}
	return store, nil
}

// terminateTornTail ends a partially written last line so the next append
// starts on a line of its own. The torn line itself is skipped on replay.
func (s *FileStore) terminateTornTail() error {
	info, err := s.logFile.Stat()
	if err != nil {
		return fmt.Errorf("journal: stat log: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	reader, err := os.Open(s.logPath)
	if err != nil {
		return fmt.Errorf("journal: open log: %w", err)
	}
	defer reader.Close()

	last := make([]byte, 1)
	if _, err := reader.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("journal: read log tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	s.logger.Warn("terminating torn log line", zap.String("path", s.logPath), zap.Int64("size", info.Size()))
	if _, err := s.logFile.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("journal: terminate torn line: %w", err)
	}
	return s.logFile.Sync()
}

func openOSLog(path string, flag int) (logHandle, error) {
	file, err := os.OpenFile(path, flag, filePermissions)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// MainPath returns the main store location.
func (s *FileStore) MainPath() string { return s.mainPath }

// LogPath returns the log location.
func (s *FileStore) LogPath() string { return s.logPath }

// Append writes one event to the log and syncs it to stable storage before returning.
func (s *FileStore) Append(event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	line, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("journal: encode event: %w", err)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if s.logFile == nil {
		return errClosed
	}
	if s.broken != nil {
		return fmt.Errorf("%w: %v", errLogUnrecoverable, s.broken)
	}
	info, err := s.logFile.Stat()
	if err != nil {
		return fmt.Errorf("journal: stat log: %w", err)
	}
	priorSize := info.Size()

	if _, err := s.logFile.Write(line); err != nil {
		s.discardFrom(priorSize)
		return fmt.Errorf("journal: append: %w", err)
	}
	if err := s.logFile.Sync(); err != nil {
		s.discardFrom(priorSize)
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

// discardFrom cuts the log back to size after a failed append, so neither a
// torn fragment nor an unacknowledged event survives. Callers hold appendMu.
func (s *FileStore) discardFrom(size int64) {
	err := s.logFile.Truncate(size)
	if err == nil {
		err = s.logFile.Sync()
	}
	if err != nil {
		s.broken = err
		s.logger.Error("log rollback failed, refusing further appends",
			zap.String("path", s.logPath),
			zap.Int64("size", size),
			zap.Error(err))
	}
}

// Compact moves the events currently in the log to the end of the main store
// and removes exactly those bytes from the log. Appends that land while the
// main store is being written stay in the log for the next cycle.
func (s *FileStore) Compact() (CompactionResult, error) {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	s.appendMu.Lock()
	if s.logFile == nil {
		s.appendMu.Unlock()
		return CompactionResult{}, errClosed
	}
	if s.broken != nil {
		s.appendMu.Unlock()
		return CompactionResult{}, fmt.Errorf("%w: %v", errLogUnrecoverable, s.broken)
	}
	info, err := s.logFile.Stat()
	s.appendMu.Unlock()
	if err != nil {
		return CompactionResult{}, fmt.Errorf("journal: stat log: %w", err)
	}
	snapshotSize := info.Size()
	if snapshotSize == 0 {
		return CompactionResult{}, nil
	}

	pending, err := readPrefix(s.logPath, snapshotSize)
	if err != nil {
		return CompactionResult{}, err
	}
	if err := s.appendToMain(pending); err != nil {
		return CompactionResult{}, err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if err := s.dropLogPrefix(snapshotSize); err != nil {
		return CompactionResult{}, err
	}

	return CompactionResult{
		EventsMoved: bytes.Count(pending, []byte{'\n'}),
		BytesMoved:  snapshotSize,
	}, nil
}

// ReplayMain decodes the main store in file order.
func (s *FileStore) ReplayMain(fn func(Event)) (ScanResult, error) {
	return s.scan(s.mainPath, fn)
}

// ReplayLog decodes the log in file order.
func (s *FileStore) ReplayLog(fn func(Event)) (ScanResult, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	return s.scan(s.logPath, fn)
}

// Close releases the log handle. Further appends fail.
func (s *FileStore) Close() error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

func (s *FileStore) appendToMain(pending []byte) error {
	mainFile, err := os.OpenFile(s.mainPath, os.O_CREATE|os.O_RDWR, filePermissions)
	if err != nil {
		return fmt.Errorf("journal: open main store: %w", err)
	}
	defer mainFile.Close()

	info, err := mainFile.Stat()
	if err != nil {
		return fmt.Errorf("journal: stat main store: %w", err)
	}
	priorSize := info.Size()

	payload := pending
	if priorSize > 0 {
		last := make([]byte, 1)
		if _, err := mainFile.ReadAt(last, priorSize-1); err != nil {
			return fmt.Errorf("journal: read main store tail: %w", err)
		}
		if last[0] != '\n' {
			payload = append([]byte{'\n'}, pending...)
		}
	}

	if _, err := mainFile.WriteAt(payload, priorSize); err != nil {
		s.rollbackMain(mainFile, priorSize)
		return fmt.Errorf("journal: write main store: %w", err)
	}
	if err := mainFile.Sync(); err != nil {
		s.rollbackMain(mainFile, priorSize)
		return fmt.Errorf("journal: sync main store: %w", err)
	}
	return nil
}

func (s *FileStore) rollbackMain(mainFile *os.File, size int64) {
	if err := mainFile.Truncate(size); err != nil {
		s.logger.Error("main store rollback failed", zap.String("path", s.mainPath), zap.Error(err))
	}
}

// dropLogPrefix replaces the log with a file holding only the bytes after
// offset. The replacement is synced before it is renamed over the log, so a
// failure at any step leaves the previous log intact. Callers hold appendMu.
func (s *FileStore) dropLogPrefix(offset int64) error {
	content, err := os.ReadFile(s.logPath)
	if err != nil {
		return fmt.Errorf("journal: read log: %w", err)
	}
	if int64(len(content)) < offset {
		return fmt.Errorf("journal: log shrank during compaction: %d < %d", len(content), offset)
	}
	tail := content[offset:]

	tmpPath := s.logPath + ".tmp"
	replacement, err := s.openLog(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_APPEND|os.O_WRONLY)
	if err != nil {
		return fmt.Errorf("journal: create log replacement: %w", err)
	}
	abandon := func(cause error) error {
		_ = replacement.Close()
		_ = os.Remove(tmpPath)
		return cause
	}
	if len(tail) > 0 {
		if _, err := replacement.Write(tail); err != nil {
			return abandon(fmt.Errorf("journal: write log tail: %w", err))
		}
	}
	if err := replacement.Sync(); err != nil {
		return abandon(fmt.Errorf("journal: sync log replacement: %w", err))
	}
	if err := s.rename(tmpPath, s.logPath); err != nil {
		return abandon(fmt.Errorf("journal: replace log: %w", err))
	}

	previous := s.logFile
	s.logFile = replacement
	if err := previous.Close(); err != nil {
		s.logger.Warn("closing replaced log failed", zap.String("path", s.logPath), zap.Error(err))
	}
	if err := syncDir(filepath.Dir(s.logPath)); err != nil {
		s.logger.Warn("syncing journal directory failed", zap.String("path", s.logPath), zap.Error(err))
	}
	return nil
}

func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer handle.Close()
	return handle.Sync()
}

func (s *FileStore) scan(path string, fn func(Event)) (ScanResult, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return ScanResult{}, nil
	}
	if err != nil {
		return ScanResult{}, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer file.Close()

	var result ScanResult
	reader := bufio.NewReader(file)
	lineNumber := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNumber++
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				event, decodeErr := decodeEvent(trimmed)
				if decodeErr != nil {
					result.Malformed++
					s.logger.Warn("skipping malformed journal line",
						zap.String("path", path),
						zap.Int("line", lineNumber),
						zap.Error(decodeErr))
				} else {
					result.Events++
					fn(event)
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			return result, nil
		}
		if readErr != nil {
			return result, fmt.Errorf("journal: read %s: %w", path, readErr)
		}
	}
}

func readPrefix(path string, size int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open log: %w", err)
	}
	defer file.Close()

	buf := make([]byte, size)
	if _, err := io.ReadFull(file, buf); err != nil {
		return nil, fmt.Errorf("journal: read log: %w", err)
	}
	return buf, nil
}
