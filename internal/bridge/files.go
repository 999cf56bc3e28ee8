package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/deskflow/deskhost/internal/model"
)

type DuplicatePolicy string

const (
	DuplicateRename    DuplicatePolicy = "rename"
	DuplicateSkip      DuplicatePolicy = "skip"
	DuplicateOverwrite DuplicatePolicy = "overwrite"
)

const maxRenameSuffix = 10000

type CopySource struct {
	SourcePath      string `json:"sourcePath"`
	DestinationName string `json:"destinationName,omitempty"`
}

type CopyRequest struct {
	Files                []CopySource    `json:"files"`
	DestinationSubfolder string          `json:"destinationSubfolder"`
	DuplicateHandling    DuplicatePolicy `json:"duplicateHandling"`
}

type SkippedFile struct {
	SourcePath string `json:"sourcePath"`
	Reason     string `json:"reason"`
}

// CopyResult never fails a batch as a whole: files which could not be
// copied are listed with a reason. Success means at least one file copied.
type CopyResult struct {
	Success      bool                  `json:"success"`
	CopiedFiles  []model.FileReference `json:"copiedFiles"`
	SkippedFiles []SkippedFile         `json:"skippedFiles"`
	TotalSize    int64                 `json:"totalSize"`
	Error        string                `json:"error,omitempty"`
}

// Copier copies files picked by the user into a subfolder of the managed
// data folder.
type Copier struct {
	dataDir string
	now     func() time.Time
}

func NewCopier(dataDir string, now func() time.Time) Copier {
	if now == nil {
		now = time.Now
	}
	return Copier{dataDir: dataDir, now: now}
}

func (c Copier) Copy(ctx context.Context, req CopyRequest) CopyResult {
	res := CopyResult{
		CopiedFiles:  []model.FileReference{},
		SkippedFiles: []SkippedFile{},
	}
	policy := req.DuplicateHandling
	if policy == "" {
		policy = DuplicateRename
	}
	switch policy {
	case DuplicateRename, DuplicateSkip, DuplicateOverwrite:
	default:
		res.Error = fmt.Sprintf("unsupported duplicate handling %q", policy)
		return res
	}
	if req.DestinationSubfolder != "" && !filepath.IsLocal(req.DestinationSubfolder) {
		res.Error = "destination subfolder must be a relative path inside the data folder"
		return res
	}

	dir := filepath.Join(c.dataDir, req.DestinationSubfolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		res.Error = fmt.Sprintf("creating destination folder: %v", err)
		return res
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		res.Error = fmt.Sprintf("opening destination folder: %v", err)
		return res
	}
	defer func() {
		_ = root.Close()
	}()

	for _, src := range req.Files {
		ref, err := c.copyOne(root, dir, src, policy)
		if err != nil {
			slog.DebugContext(ctx, "file not copied", "source", src.SourcePath, "reason", err)
			res.SkippedFiles = append(res.SkippedFiles, SkippedFile{SourcePath: src.SourcePath, Reason: err.Error()})
			continue
		}
		res.CopiedFiles = append(res.CopiedFiles, ref)
		res.TotalSize += ref.Size
	}
	res.Success = len(res.CopiedFiles) > 0
	if !res.Success && len(req.Files) > 0 {
		res.Error = "no file was copied"
	}
	slog.InfoContext(ctx, "files copied", "dir", dir, "copied", len(res.CopiedFiles), "skipped", len(res.SkippedFiles))
	return res
}

func (c Copier) copyOne(root *os.Root, dir string, src CopySource, policy DuplicatePolicy) (model.FileReference, error) {
	if src.SourcePath == "" {
		return model.FileReference{}, errors.New("source path is empty")
	}
	info, err := os.Stat(src.SourcePath)
	if errors.Is(err, fs.ErrNotExist) {
		return model.FileReference{}, errors.New("source file does not exist")
	}
	if err != nil {
		return model.FileReference{}, err
	}
	if !info.Mode().IsRegular() {
		return model.FileReference{}, errors.New("source is not a regular file")
	}

	name := src.DestinationName
	if name == "" {
		name = filepath.Base(src.SourcePath)
	}
	if !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return model.FileReference{}, fmt.Errorf("invalid destination name %q", name)
	}
	if dst, err := root.Stat(name); err == nil && os.SameFile(info, dst) {
		return model.FileReference{}, errors.New("source and destination are the same file")
	}

	dst, final, err := create(root, name, policy)
	if err != nil {
		return model.FileReference{}, err
	}
	size, sum, err := copyHashed(dst, src.SourcePath)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = root.Remove(final)
		return model.FileReference{}, fmt.Errorf("copying: %w", err)
	}

	ref := model.FileReference{
		ID:              uuid.NewString(),
		OriginalName:    filepath.Base(src.SourcePath),
		OriginalPath:    src.SourcePath,
		DestinationPath: filepath.Join(dir, final),
		Size:            size,
		Extension:       filepath.Ext(final),
		CopiedAt:        c.now().UTC(),
		ContentHash:     sum,
	}
	if mt, err := mimetype.DetectFile(ref.DestinationPath); err == nil {
		ref.MimeType = mt.String()
		if ref.Extension == "" {
			ref.Extension = mt.Extension()
		}
	}
	return ref, nil
}

// create opens the destination according to policy. Creation is exclusive
// for rename and skip, so a destination path is unique when it is created.
func create(root *os.Root, name string, policy DuplicatePolicy) (*os.File, string, error) {
	const excl = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	switch policy {
	case DuplicateOverwrite:
		f, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		return f, name, err
	case DuplicateSkip:
		f, err := root.OpenFile(name, excl, 0o644)
		if errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("destination %s already exists", name)
		}
		return f, name, err
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := range maxRenameSuffix {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		f, err := root.OpenFile(candidate, excl, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return f, candidate, err
	}
	return nil, "", fmt.Errorf("no free name for %s", name)
}

func copyHashed(dst io.Writer, path string) (int64, string, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		_ = src.Close()
	}()
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
