package unit

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
)

const downloadAttempts = 4

// newDownloadBackOff is replaced in tests.
var newDownloadBackOff = func() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

// Download fetches a URL into a file. When ID is set the download is
// recorded as run once.
type Download struct {
	URL  string
	Path string
	ID   string
}

func (Download) isUnit() {}

func (u Download) String() string {
	return fmt.Sprintf("download %s to %s", u.URL, u.Path)
}

func (u Download) Apply(ctx context.Context, in *Input) error {
	client := in.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	size, err := backoff.Retry(ctx, func() (int64, error) {
		return u.fetch(ctx, client)
	},
		backoff.WithBackOff(newDownloadBackOff()),
		backoff.WithMaxTries(downloadAttempts),
	)
	if err != nil {
		return fmt.Errorf("failed to download URL: %s: %w", u.URL, err)
	}

	in.Logger.Info("downloaded", "url", u.URL, "path", u.Path, "size", humanize.Bytes(uint64(size)))

	if u.ID != "" {
		in.State.TouchOnce(u.ID)
	}
	return nil
}

func (u Download) fetch(ctx context.Context, client *http.Client) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return 0, backoff.Permanent(fmt.Errorf("unexpected status: %s", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var n int64
	err = atomicWrite(u.Path, 0644, func(w io.Writer) error {
		var copyErr error
		n, copyErr = io.Copy(w, resp.Body)
		return copyErr
	})
	return n, err
}
