package filemanager

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// ErrCorrupt marks stored data that cannot be trusted. Callers must treat it
// as fatal instead of starting from defaults.
var ErrCorrupt = errors.New("filemanager: corrupt data")

const tempSuffix = ".tmp"

// FileManager owns the data directory of one manager and performs every
// write in it: synced appends and atomic whole-file replacement.
type FileManager struct {
	mu  sync.Mutex
	dir string
}

// NewFileManager creates dir if needed.
func NewFileManager(dir string) (*FileManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create data directory %s", dir)
	}
	return &FileManager{dir: dir}, nil
}

// Dir returns the data directory.
func (fm *FileManager) Dir() string {
	return fm.dir
}

// Path returns the absolute location of a file in the data directory.
func (fm *FileManager) Path(name string) string {
	return filepath.Join(fm.dir, name)
}

// Exists reports whether name is present in the data directory.
func (fm *FileManager) Exists(name string) bool {
	_, err := os.Stat(fm.Path(name))
	return err == nil
}

// AppendLines appends each line followed by a newline and fsyncs.
func (fm *FileManager) AppendLines(name string, lines ...[]byte) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	f, err := os.OpenFile(fm.Path(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "open %s", name)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
		if err := w.WriteByte('\n'); err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "flush %s", name)
	}
	return errors.Wrapf(f.Sync(), "sync %s", name)
}

// ReadLines returns every non-empty line of name. A missing file yields no
// lines.
func (fm *FileManager) ReadLines(name string) ([][]byte, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	data, err := os.ReadFile(fm.Path(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// CountLines counts the non-empty lines of name.
func (fm *FileManager) CountLines(name string) (int, error) {
	lines, err := fm.ReadLines(name)
	return len(lines), err
}

// ReadFile returns the content of name and whether it exists.
func (fm *FileManager) ReadFile(name string) ([]byte, bool, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	data, err := os.ReadFile(fm.Path(name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read %s", name)
	}
	return data, true, nil
}

// WriteFile replaces name atomically: temp file, fsync, rename, directory
// fsync.
func (fm *FileManager) WriteFile(name string, data []byte) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	path := fm.Path(name)
	tmp := path + tempSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "close %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return syncDir(fm.dir)
}

// WriteLines replaces name atomically with the given lines.
func (fm *FileManager) WriteLines(name string, lines [][]byte) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return fm.WriteFile(name, buf.Bytes())
}

// Remove deletes name; a missing file is not an error.
func (fm *FileManager) Remove(name string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if err := os.Remove(fm.Path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", name)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open directory %s", dir)
	}
	defer d.Close()
	// some file systems refuse fsync on directories
	d.Sync()
	return nil
}
