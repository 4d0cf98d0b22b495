package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore 文件冷层：<dir>/<type>/<id>/<namespace>.json，每个键一个文件。
// 写入先落临时文件再 rename，读者不会看到半写入的记录。
type FileStore struct {
	dir string
}

// NewFileStore 创建文件存储
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache: file store dir not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// escapeSegment 路径段转义，防止 "/"、".." 逃逸出存储目录
func escapeSegment(s string) string {
	esc := url.PathEscape(s)
	if strings.HasPrefix(esc, ".") {
		esc = "%2E" + esc[1:]
	}
	if esc == "" {
		esc = "%00"
	}
	return esc
}

func (s *FileStore) entityDir(entityType, entityID string) string {
	return filepath.Join(s.dir, escapeSegment(entityType), escapeSegment(entityID))
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.entityDir(key.EntityType, key.EntityID), escapeSegment(key.Namespace)+".json")
}

func (s *FileStore) Get(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readEntryFile(s.path(key))
}

func readEntryFile(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: read %s: %w", path, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("cache: decode %s: %w", path, err)
	}
	return &e, nil
}

func (s *FileStore) Put(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.path(entry.Key())
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: create entity dir: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cache: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: rename entry file: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key Key) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cache: delete entry: %w", err)
	}
	return nil
}

func (s *FileStore) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	if err := os.RemoveAll(s.entityDir(entityType, entityID)); err != nil {
		return fmt.Errorf("cache: delete entity: %w", err)
	}
	return nil
}

func (s *FileStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		e, err := readEntryFile(path)
		if err != nil {
			// 被并发删除或损坏的文件跳过
			return nil
		}
		if e.Expired(now) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cache: sweep file store: %w", err)
	}
	return removed, nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("cache: store dir unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cache: %s is not a directory", s.dir)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
