package artifact

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteArchive streams root as a tar.gz archive to w. Entry names are
// relative to root and use forward slashes.
func WriteArchive(w io.Writer, root string) error {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	if err := archiveDir(tarWriter, root); err != nil {
		return err
	}
	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

func archiveDir(tw *tar.Writer, srcDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", relPath, err)
		}

		switch {
		case d.IsDir():
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return fmt.Errorf("failed to create tar header: %w", err)
			}
			header.Name = filepath.ToSlash(relPath) + "/"
			return tw.WriteHeader(header)
		case info.Mode().IsRegular():
			return archiveFile(tw, path, filepath.ToSlash(relPath), info)
		default:
			// Symlinks and devices are not part of a job's output.
			return nil
		}
	})
}

func archiveFile(tw *tar.Writer, filePath, name string, info os.FileInfo) error {
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header: %w", err)
	}
	header.Name = name

	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	// The run log may still grow while being archived; copy what the header promised.
	if _, err := io.CopyN(tw, file, header.Size); err != nil {
		return fmt.Errorf("failed to write file to tar: %w", err)
	}
	return nil
}
