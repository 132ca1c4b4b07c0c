// Package extractor turns a finished download into a single playable
// video file, unpacking archives when the torrent shipped one.
package extractor

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/ulikunitz/xz"
)

var (
	ErrUnsupportedArchive = errors.New("unsupported archive format")
	ErrNoPlayableFile     = errors.New("no playable video file found")
)

var playableExtensions = map[string]bool{
	".mkv":  true,
	".mp4":  true,
	".avi":  true,
	".m4v":  true,
	".mov":  true,
	".wmv":  true,
	".webm": true,
}

type Extractor struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Extractor {
	return &Extractor{
		logger: logger.With().Str("component", "extractor").Logger(),
	}
}

// Prepare returns the path of the playable video for a completed
// download. When the file list already contains a video it is returned
// as-is and nothing is unpacked. Otherwise every supported archive in
// the list is extracted into dest and the largest extracted video wins.
func (e *Extractor) Prepare(ctx context.Context, files []string, dest string) (string, error) {
	if video := largestPlayable(files); video != "" {
		e.logger.Debug().Str("file", video).Msg("download already playable, skipping extraction")
		return video, nil
	}

	var archives []string
	for _, f := range files {
		if isArchivePath(f) {
			archives = append(archives, f)
		}
	}
	if len(archives) == 0 {
		return "", ErrNoPlayableFile
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("creating extraction dir: %w", err)
	}

	for _, archive := range archives {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		e.logger.Info().Str("archive", archive).Str("dest", dest).Msg("extracting archive")
		if err := e.extract(ctx, archive, dest); err != nil {
			return "", err
		}
	}

	extracted, err := walkPlayable(dest)
	if err != nil {
		return "", err
	}
	video := largestPlayable(extracted)
	if video == "" {
		return "", ErrNoPlayableFile
	}
	return video, nil
}

func (e *Extractor) extract(ctx context.Context, archive, dest string) error {
	lower := strings.ToLower(archive)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(ctx, archive, dest)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTar(ctx, archive, dest, decompressGzip)
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return extractTar(ctx, archive, dest, decompressXz)
	case strings.HasSuffix(lower, ".tar"):
		return extractTar(ctx, archive, dest, nil)
	case strings.HasSuffix(lower, ".rar"), strings.HasSuffix(lower, ".7z"):
		return fmt.Errorf("%w: %s", ErrUnsupportedArchive, filepath.Ext(lower))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedArchive, filepath.Ext(lower))
	}
}

func extractZip(ctx context.Context, archive, dest string) error {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer reader.Close()

	for _, entry := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			continue
		}
		target, err := safeJoin(dest, entry.Name)
		if err != nil {
			return err
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("opening zip entry %s: %w", entry.Name, err)
		}
		err = writeFile(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTar(ctx context.Context, archive, dest string, decompress func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	var stream io.Reader = f
	if decompress != nil {
		stream, err = decompress(f)
		if err != nil {
			return fmt.Errorf("decompressing %s: %w", filepath.Base(archive), err)
		}
	}

	reader := tar.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}
		if err := writeFile(target, reader); err != nil {
			return err
		}
	}
}

func decompressGzip(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

func decompressXz(r io.Reader) (io.Reader, error) {
	return xz.NewReader(r)
}

func writeFile(target string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return nil
}

// safeJoin rejects entry names that would escape the destination.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}

func isArchivePath(path string) bool {
	lower := strings.ToLower(path)

	// Multi-part RAR naming still counts as an archive so the caller
	// gets a clear unsupported error instead of a missing-file one.
	if strings.Contains(lower, ".part") && strings.HasSuffix(lower, ".rar") {
		return true
	}

	for _, suffix := range []string{".zip", ".tar", ".tar.gz", ".tgz", ".tar.xz", ".txz", ".rar", ".7z"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func largestPlayable(files []string) string {
	var (
		best     string
		bestSize int64 = -1
	)
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		if !playableExtensions[ext] {
			continue
		}
		size := int64(0)
		if info, err := os.Stat(f); err == nil {
			size = info.Size()
		}
		if size > bestSize {
			best, bestSize = f, size
		}
	}
	return best
}

func walkPlayable(root string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if info.IsDir() {
			return nil
		}
		if playableExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
