package apply

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	apperrors "github.com/hshk99/autopack/internal/errors"
)

// snapshot writes a tar archive of every path in files (relative to root)
// that currently exists to savePointPath, recording enough to restore the
// pre-apply state of exactly the files an operation set is about to touch.
// A file that does not yet exist (the target of a create op) is simply
// omitted - restoring a save point deletes any such path instead.
func snapshot(root, savePointPath string, files []string) error {
	if err := os.MkdirAll(filepath.Dir(savePointPath), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to create checkpoint directory")
	}
	f, err := os.Create(savePointPath)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to create save point file")
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	for _, rel := range files {
		abs := filepath.Join(root, rel)
		data, err := os.ReadFile(abs)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to read file for save point: "+rel)
		}
		hdr := &tar.Header{Name: rel, Mode: 0o644, Size: int64(len(data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to write save point header: "+rel)
		}
		if _, err := tw.Write(data); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to write save point content: "+rel)
		}
	}
	return nil
}

// restore extracts savePointPath back under root, overwriting current
// content. Any path recorded in touched but absent from the archive did
// not exist before the apply and is removed, restoring the pre-apply
// workspace exactly.
func restore(root, savePointPath string, touched []string) error {
	saved := map[string]bool{}

	f, err := os.Open(savePointPath)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to open save point: "+savePointPath)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to read save point archive")
		}
		abs := filepath.Join(root, hdr.Name)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to recreate directory for "+hdr.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to read save point entry: "+hdr.Name)
		}
		if err := os.WriteFile(abs, data, 0o644); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to restore file: "+hdr.Name)
		}
		saved[hdr.Name] = true
	}

	for _, rel := range touched {
		if saved[rel] {
			continue
		}
		abs := filepath.Join(root, rel)
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to remove file absent from save point: "+rel)
		}
	}
	return nil
}
