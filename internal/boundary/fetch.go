package boundary

import (
	"archive/zip"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fetch downloads a boundary file over http(s) or ftp and returns a local
// path to something loadable: GeoJSON files are returned as downloaded, ZIP
// archives are extracted and the contained .shp path is returned. Existing
// non-empty downloads are reused.
func Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	log := zap.L().With(
		zap.String("component", "boundary.fetch"),
		zap.String("url", rawURL),
	)

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", eris.Wrap(err, "boundary: create dest dir")
	}

	parts := strings.Split(rawURL, "/")
	fileName := parts[len(parts)-1]
	if fileName == "" {
		return "", eris.Errorf("boundary: cannot derive file name from %s", rawURL)
	}
	filePath := filepath.Join(destDir, fileName)

	if info, err := os.Stat(filePath); err == nil && info.Size() > 0 {
		log.Debug("download already exists, skipping", zap.String("path", filePath))
	} else {
		log.Info("downloading boundary file")
		if err := downloadFile(ctx, rawURL, filePath); err != nil {
			return "", eris.Wrap(err, "boundary: download")
		}
	}

	if !strings.HasSuffix(strings.ToLower(fileName), ".zip") {
		return filePath, nil
	}

	extractDir := filepath.Join(destDir, strings.TrimSuffix(fileName, ".zip"))
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return "", eris.Wrap(err, "boundary: create extract dir")
	}
	if err := extractZIP(filePath, extractDir); err != nil {
		return "", eris.Wrap(err, "boundary: extract zip")
	}

	shpPath, err := findFileByExt(extractDir, ".shp")
	if err != nil {
		return "", eris.Wrap(err, "boundary: find .shp file")
	}
	return shpPath, nil
}

// downloadFile downloads a URL to a local file, speaking ftp or http(s)
// depending on the scheme.
func downloadFile(ctx context.Context, rawURL, dest string) error {
	if strings.HasPrefix(rawURL, "ftp://") {
		return ftpDownload(ctx, rawURL, dest)
	}

	client := &http.Client{Timeout: 10 * time.Minute}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrap(err, "build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrap(err, "download")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("download returned status %d", resp.StatusCode)
	}

	return writeToFile(dest, resp.Body)
}

// ftpDownload retrieves an ftp:// URL with an anonymous login. The Census
// Bureau still serves TIGER archives this way.
func ftpDownload(ctx context.Context, rawURL, dest string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return eris.Wrap(err, "parse ftp url")
	}
	host := u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}
	if u.Path == "" {
		return eris.New("empty path in ftp url")
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(30*time.Second), ftp.DialWithContext(ctx))
	if err != nil {
		return eris.Wrap(err, "ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return eris.Wrap(err, "ftp login")
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		return eris.Wrap(err, "ftp retrieve")
	}
	defer resp.Close() //nolint:errcheck

	return writeToFile(dest, resp)
}

func writeToFile(dest string, r io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return eris.Wrap(err, "create file")
	}
	defer f.Close() //nolint:errcheck

	if _, err := io.Copy(f, r); err != nil {
		return eris.Wrap(err, "write file")
	}
	return nil
}

// extractZIP extracts a ZIP archive to the destination directory, flattening
// entry paths.
func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		destPath := filepath.Join(destDir, filepath.Base(f.Name))

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "open zip entry %s", f.Name)
		}

		if err := writeToFile(destPath, rc); err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "extract %s", f.Name)
		}
		_ = rc.Close()
	}

	return nil
}

// findFileByExt finds the first file with the given extension in a directory.
func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("no %s file found in %s", ext, dir)
}
