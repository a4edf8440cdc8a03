package storage

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const backupPrefix = "backup_"

// Snapshotter writes a consistent copy of its data under dir and returns
// the written paths relative to dir.
type Snapshotter interface {
	Snapshot(ctx context.Context, dir string) ([]string, error)
}

// Snapshot copies the live database with VACUUM INTO, which is safe while
// the monitors keep writing.
func (s *SQLiteStore) Snapshot(ctx context.Context, dir string) ([]string, error) {
	rel := filepath.Join("sqlite", filepath.Base(s.path))
	if s.path == ":memory:" {
		rel = filepath.Join("sqlite", "memory.db")
	}
	target := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", target); err != nil {
		return nil, s.ioErr("snapshot", err)
	}
	return []string{rel}, nil
}

func (fs *FileStore) Snapshot(ctx context.Context, dir string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var written []string
	err := filepath.Walk(fs.baseDir, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(fs.baseDir, p)
		if err != nil {
			return err
		}
		rel = filepath.Join("state", rel)
		if err := copyFile(p, filepath.Join(dir, rel)); err != nil {
			return err
		}
		written = append(written, rel)
		return nil
	})
	if err != nil {
		return nil, fs.ioErr("snapshot", err)
	}
	return written, nil
}

// CreateBackup snapshots every source into a staging directory and packs
// it as backupDir/backup_<timestamp>.tar.gz.
func CreateBackup(ctx context.Context, backupDir string, logger *logrus.Logger, sources ...Snapshotter) (string, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	staging, err := os.MkdirTemp(backupDir, ".staging_*")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	var files []string
	for _, src := range sources {
		if src == nil {
			continue
		}
		written, err := src.Snapshot(ctx, staging)
		if err != nil {
			return "", err
		}
		files = append(files, written...)
	}

	backupPath := filepath.Join(backupDir, backupPrefix+time.Now().Format("20060102_150405")+".tar.gz")
	tmpPath := backupPath + ".tmp"
	if err := writeArchive(tmpPath, staging, files); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, backupPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename backup file: %w", err)
	}

	logger.WithFields(logrus.Fields{"path": backupPath, "files": len(files)}).Info("Backup created")
	return backupPath, nil
}

// PruneBackups removes backups older than retention and returns how many
// were deleted. A zero retention keeps everything.
func PruneBackups(backupDir string, retention time.Duration, logger *logrus.Logger) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	if logger == nil {
		logger = logrus.New()
	}
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list backups: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(backupDir, name)); err != nil {
			logger.Warnf("Failed to remove old backup %s: %v", name, err)
			continue
		}
		removed++
	}
	return removed, nil
}

func writeArchive(path, root string, files []string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	var werr error
	for _, rel := range files {
		if werr = addToArchive(tw, root, rel); werr != nil {
			break
		}
	}
	closeErrs := []error{tw.Close(), gzw.Close(), out.Close()}
	if werr != nil {
		return werr
	}
	for _, e := range closeErrs {
		if e != nil {
			return fmt.Errorf("close backup: %w", e)
		}
	}
	return nil
}

func addToArchive(tw *tar.Writer, root, rel string) error {
	f, err := os.Open(filepath.Join(root, rel))
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header %s: %w", rel, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("tar copy %s: %w", rel, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
