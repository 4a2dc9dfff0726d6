package locator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/codewiresh/playwire/internal/procutil"
)

// downloader fetches url into dest. Strategies are tried in order until
// one succeeds.
type downloader interface {
	name() string
	fetch(ctx context.Context, url, dest string) error
}

type httpDownloader struct {
	client *http.Client
}

func (httpDownloader) name() string { return "http" }

func (d httpDownloader) fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return f.Close()
}

// commandDownloader shells out to curl or wget. Some sandboxes (Termux in
// particular) have working system downloaders where Go's resolver or CA
// lookup fails.
type commandDownloader struct {
	tool   string
	runner procutil.Runner
	args   func(url, dest string) []string
}

func (d commandDownloader) name() string { return d.tool }

func (d commandDownloader) fetch(ctx context.Context, url, dest string) error {
	_, err := d.runner.Run(ctx, procutil.Cmd{Name: d.tool, Args: d.args(url, dest), Timeout: deadlineTimeout(ctx)})
	return err
}

func curlArgs(url, dest string) []string {
	return []string{"-fsSL", "--retry", "2", "-o", dest, url}
}

func wgetArgs(url, dest string) []string {
	return []string{"-q", "-O", dest, url}
}

// deadlineTimeout derives a command timeout from ctx's deadline.
func deadlineTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return 0
}

// download tries each strategy in turn, removing partial files between
// attempts. It returns the joined errors when all fail.
func (l *Locator) download(ctx context.Context, url, dest string) error {
	var errs []error
	for _, d := range l.downloaders() {
		dctx, cancel := context.WithTimeout(ctx, l.downloadTimeout)
		err := d.fetch(dctx, url, dest)
		cancel()
		if err == nil {
			info, statErr := os.Stat(dest)
			if statErr == nil && info.Size() > 0 {
				l.log.Info("agent binary downloaded", "via", d.name(), "bytes", info.Size())
				return nil
			}
			err = errors.New("empty download")
		}
		os.Remove(dest)
		l.log.Warn("agent download failed", "via", d.name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", d.name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("all download strategies failed: %w", errors.Join(errs...))
}

func (l *Locator) downloaders() []downloader {
	ds := []downloader{httpDownloader{client: l.client}}
	if _, err := l.lookPath("curl"); err == nil {
		ds = append(ds, commandDownloader{tool: "curl", runner: l.runner, args: curlArgs})
	}
	if _, err := l.lookPath("wget"); err == nil {
		ds = append(ds, commandDownloader{tool: "wget", runner: l.runner, args: wgetArgs})
	}
	return ds
}
