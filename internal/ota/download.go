package ota

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// ProgressFunc receives bytes downloaded so far and the expected total.
type ProgressFunc func(downloaded, total int64)

func downloadFile(ctx context.Context, client *http.Client, url, destPath string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	tmpPath := destPath + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	done := false
	defer func() {
		if !done {
			out.Close()
			os.Remove(tmpPath)
		}
	}()

	var body io.Reader = resp.Body
	total := resp.ContentLength
	if progress != nil && total > 0 {
		body = &progressReader{r: resp.Body, total: total, fn: progress}
	}

	written, err := io.Copy(out, body)
	if err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if total > 0 && written != total {
		return fmt.Errorf("incomplete download: got %d of %d bytes", written, total)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	done = true
	return nil
}

type progressReader struct {
	r     io.Reader
	total int64
	n     int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		p.fn(p.n, p.total)
	}
	return n, err
}
