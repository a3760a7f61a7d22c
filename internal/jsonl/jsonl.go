// Package jsonl implements the append-only JSON-lines files used for persisted state:
// one record per line, optional daily rotation, tolerant replay and retention.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DateLayout is the rotation boundary format used in daily file names.
const DateLayout = "2006-01-02"

const maxLineSize = 16 * 1024 * 1024

// Append marshals v and appends it to path as a single line, creating the file
// and its directory if needed.
func Append(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}

// ReplayResult counts what a replay saw.
type ReplayResult struct {
	Records int
	Skipped int
}

// Replay decodes every line of path into a T and hands it to fn in file order.
// Blank lines are ignored; malformed or truncated lines are skipped and counted.
// A missing file is not an error.
func Replay[T any](path string, fn func(T)) (ReplayResult, error) {
	var res ReplayResult

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := readLine(r)
		if len(line) > 0 {
			var v T
			if jerr := json.Unmarshal(line, &v); jerr != nil {
				res.Skipped++
			} else {
				res.Records++
				fn(v)
			}
		}
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == bufio.ErrBufferFull {
			if len(buf) > maxLineSize {
				// Drain the rest of an oversized line and report it as malformed.
				for err == bufio.ErrBufferFull {
					_, err = r.ReadSlice('\n')
				}
				if err != nil && err != io.EOF {
					return nil, err
				}
				return []byte("{"), err
			}
			continue
		}
		return bytes.TrimSpace(buf), err
	}
}

// Rewrite replaces path with one line per record. The new content is written to a
// temporary file first and renamed over path.
func Rewrite[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// DailyPath returns dir/<prefix>YYYY-MM-DD.jsonl for the local date of t.
func DailyPath(dir, prefix string, t time.Time) string {
	return filepath.Join(dir, prefix+t.Local().Format(DateLayout)+".jsonl")
}

// DailyFile is a rotated file found in a directory.
type DailyFile struct {
	Path string
	Date time.Time
}

// ListDaily returns the files in dir named <prefix>YYYY-MM-DD.jsonl, oldest first.
func ListDaily(dir, prefix string) ([]DailyFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var files []DailyFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		datePart := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".jsonl")
		date, err := time.ParseInLocation(DateLayout, datePart, time.Local)
		if err != nil {
			continue
		}
		files = append(files, DailyFile{Path: filepath.Join(dir, name), Date: date})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Date.Before(files[j].Date) })
	return files, nil
}

// RemoveOlderThan deletes daily files whose whole day lies before cutoff and
// returns how many were removed.
func RemoveOlderThan(dir, prefix string, cutoff time.Time) (int, error) {
	files, err := ListDaily(dir, prefix)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		if !f.Date.AddDate(0, 0, 1).After(cutoff) {
			if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("failed to remove %s: %w", f.Path, err)
			}
			removed++
		}
	}
	return removed, nil
}
