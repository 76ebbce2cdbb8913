package codesign

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ExtractIPA unpacks an IPA into a fresh temporary directory and returns it.
// The caller removes the directory when done.
func ExtractIPA(ipaPath string) (string, error) {
	r, err := zip.OpenReader(ipaPath)
	if err != nil {
		return "", fmt.Errorf("failed to open IPA: %w", err)
	}
	defer r.Close()

	dir, err := os.MkdirTemp("", "go-provision-ipa-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	if err := unzip(&r.Reader, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// unzip writes every archive entry below dir. Entries whose name leaves dir
// are rejected. Symlinks are recreated from their stored target.
func unzip(r *zip.Reader, dir string) error {
	for _, f := range r.File {
		name := filepath.FromSlash(strings.TrimSuffix(f.Name, "/"))
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes the extraction directory", f.Name)
		}
		dst := filepath.Join(dir, name)

		mode := f.Mode()
		if mode.IsDir() {
			if err := os.MkdirAll(dst, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		var err error
		if mode&fs.ModeSymlink != 0 {
			err = unzipSymlink(f, dst)
		} else {
			err = unzipFile(f, dst, mode.Perm())
		}
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func unzipSymlink(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	target, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return os.Symlink(string(target), dst)
}

func unzipFile(f *zip.File, dst string, perm fs.FileMode) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// FindAppBundle returns the first .app directory under Payload/.
func FindAppBundle(extractedDir string) (string, error) {
	payload := filepath.Join(extractedDir, "Payload")
	entries, err := os.ReadDir(payload)
	if err != nil {
		return "", fmt.Errorf("failed to read Payload directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && filepath.Ext(e.Name()) == ".app" {
			return filepath.Join(payload, e.Name()), nil
		}
	}
	return "", errors.New("no .app bundle found in Payload directory")
}

// RepackageIPA zips extractedDir into outputPath. File entries are deflated
// and symlinks are stored as links. A partial archive is removed on error.
func RepackageIPA(extractedDir, outputPath string) (err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	zw := zip.NewWriter(out)
	if err := filepath.WalkDir(extractedDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || path == extractedDir {
			return walkErr
		}
		rel, err := filepath.Rel(extractedDir, path)
		if err != nil {
			return err
		}
		return addToZip(zw, path, filepath.ToSlash(rel), d)
	}); err != nil {
		zw.Close()
		out.Close()
		return fmt.Errorf("failed to write IPA: %w", err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("failed to finish IPA: %w", err)
	}
	return out.Close()
}

func addToZip(zw *zip.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name

	switch {
	case d.IsDir():
		hdr.Name += "/"
		_, err := zw.CreateHeader(hdr)
		return err
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, target)
		return err
	}

	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(w, in)
	return err
}

// CopyBundle copies an app bundle directory to dst, replacing whatever is
// there. Symlinks (as found in macOS framework bundles) are recreated, not
// followed.
func CopyBundle(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to remove existing destination: %w", err)
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, relPath)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(target, dstPath)
		case info.IsDir():
			return os.MkdirAll(dstPath, info.Mode().Perm()|0700)
		}
		return copyFile(path, dstPath, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
