// Package disk stores artifacts as files below a root directory.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/artifacts"
	"pkt.systems/middlewared/internal/svcfields"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// Retention removes objects older than this; zero keeps them forever.
	Retention       time.Duration
	JanitorInterval time.Duration
	Now             func() time.Time
	Logger          pslog.Logger
}

// Store implements artifacts.Backend on the local filesystem.
type Store struct {
	root            string
	tmpDir          string
	objectDir       string
	retention       time.Duration
	janitorInterval time.Duration
	now             func() time.Time
	logger          pslog.Logger

	stopJanitor chan struct{}
	doneJanitor chan struct{}
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

// New initialises a disk store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("disk: retention must be >= 0")
	}
	if cfg.JanitorInterval < 0 {
		return nil, fmt.Errorf("disk: janitor interval must be >= 0")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, "tmp")
	objectDir := filepath.Join(root, "objects")
	for _, dir := range []string{tmpDir, objectDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s := &Store{
		root:            root,
		tmpDir:          tmpDir,
		objectDir:       objectDir,
		retention:       cfg.Retention,
		janitorInterval: cfg.JanitorInterval,
		now:             cfg.Now,
		logger:          svcfields.WithSubsystem(cfg.Logger, "artifacts.disk"),
	}
	if s.janitorInterval <= 0 {
		s.janitorInterval = time.Hour
	}
	if s.retention > 0 {
		s.stopJanitor = make(chan struct{})
		s.doneJanitor = make(chan struct{})
		go s.janitorLoop()
	}
	return s, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// Close stops the janitor.
func (s *Store) Close() error {
	if s.stopJanitor != nil {
		close(s.stopJanitor)
		<-s.doneJanitor
		s.stopJanitor = nil
	}
	return nil
}

func (s *Store) objectDataPath(key string) (string, error) {
	clean, err := artifacts.NormalizeKey(key)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("%w: %q uses a reserved suffix", artifacts.ErrInvalidKey, key)
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(clean)), nil
}

func (s *Store) keyFromObjectPath(objectPath string) (string, error) {
	rel, err := filepath.Rel(s.objectDir, objectPath)
	if err != nil {
		return "", fmt.Errorf("disk: compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("disk: object path outside root: %q", objectPath)
	}
	return filepath.ToSlash(rel), nil
}

func (s *Store) loadObjectInfo(key, dataPath string) (*artifacts.ObjectInfo, error) {
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, artifacts.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("disk: missing object metadata for %q", key)
		}
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	return &artifacts.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  rec.ContentType,
	}, nil
}

func (s *Store) writeAtomic(dest, pattern string, body io.Reader, hash bool) (int64, string, error) {
	tmp, err := os.CreateTemp(s.tmpDir, pattern)
	if err != nil {
		return 0, "", err
	}
	hasher := sha256.New()
	var w io.Writer = tmp
	if hash {
		w = io.MultiWriter(tmp, hasher)
	}
	written, err := io.Copy(w, body)
	if err == nil {
		err = syncFile(tmp)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, "", err
	}
	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// Put writes an object through a temp file and rename.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, opts artifacts.PutOptions) (*artifacts.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	written, etag, err := s.writeAtomic(dataPath, "object-*", body, true)
	if err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	now := s.now()
	payload, err := json.Marshal(objectInfoRecord{ETag: etag, ContentType: opts.ContentType, UpdatedAtUnix: now.Unix()})
	if err != nil {
		return nil, fmt.Errorf("disk: encode object metadata for %q: %w", key, err)
	}
	if _, _, err := s.writeAtomic(dataPath+infoSuffix, "objectinfo-*", strings.NewReader(string(payload)), false); err != nil {
		return nil, fmt.Errorf("disk: write metadata for %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	s.logger.Debug("disk.put_object.success", "key", key, "size", written, "etag", etag)
	return &artifacts.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// Get opens an object for reading.
func (s *Store) Get(ctx context.Context, key string) (*artifacts.Object, error) {
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, artifacts.ErrNotFound
		}
		return nil, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.loadObjectInfo(key, dataPath)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &artifacts.Object{Body: f, Info: info}, nil
}

// Delete removes an object and prunes empty parent directories.
func (s *Store) Delete(ctx context.Context, key string) error {
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return artifacts.ErrNotFound
		}
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	dir := filepath.Dir(dataPath)
	for dir != s.objectDir && dir != "." {
		if err := os.Remove(dir); err != nil {
			if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) && !errors.Is(err, syscall.EEXIST) {
				s.logger.Debug("disk.delete_object.prune_error", "dir", dir, "error", err)
			}
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// List walks the object tree in lexical key order.
func (s *Store) List(ctx context.Context, prefix string) ([]artifacts.ObjectInfo, error) {
	keys := make([]string, 0, 64)
	paths := make(map[string]string)
	err := filepath.WalkDir(s.objectDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		key, err := s.keyFromObjectPath(path)
		if err != nil {
			return err
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		keys = append(keys, key)
		paths[key] = path
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	out := make([]artifacts.ObjectInfo, 0, len(keys))
	for _, key := range keys {
		info, err := s.loadObjectInfo(key, paths[key])
		if err != nil {
			if errors.Is(err, artifacts.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

func (s *Store) janitorLoop() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()
	defer close(s.doneJanitor)
	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stopJanitor:
			return
		}
	}
}

func (s *Store) sweepOnce() int {
	if s.retention <= 0 {
		return 0
	}
	objects, err := s.List(context.Background(), "")
	if err != nil {
		s.logger.Warn("disk.janitor.list_failed", "error", err)
		return 0
	}
	cutoff := s.now().Add(-s.retention)
	removed := 0
	for _, obj := range objects {
		if obj.LastModified.After(cutoff) {
			continue
		}
		// best-effort removal
		if err := s.Delete(context.Background(), obj.Key); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("disk.janitor.swept", "removed", removed)
	}
	return removed
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
