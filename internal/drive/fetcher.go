// Package drive downloads the published catalog spreadsheet. It speaks
// the public Google endpoints: the Sheets CSV export first, then the
// plain Drive download as a fallback for sheets uploaded as files.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"
)

const (
	sheetExportURLFmt   = "https://docs.google.com/spreadsheets/d/%s/export?format=csv"
	driveDownloadURLFmt = "https://drive.google.com/uc?export=download&id=%s"

	maxCatalogBytes = 2 << 20 // 2 MiB
)

// UnavailableError reports a fetch the remote side refused or garbled.
// Callers treat it as transient.
type UnavailableError struct {
	StatusCode int
	Message    string
}

func (e *UnavailableError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("drive: fetch failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("drive: fetch failed (status %d)", e.StatusCode)
}

type Options struct {
	Logger *slog.Logger

	// URL fetches a single fixed endpoint. Takes precedence over FileID.
	URL string

	// FileID is a Google Drive or Sheets document ID. Both public
	// endpoints are derived from it.
	FileID string

	// HTTPClient is optional. The default client uses a 15s timeout.
	HTTPClient *http.Client
}

type Client struct {
	log   *slog.Logger
	urls  []string
	httpc *http.Client
}

func NewClient(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}

	var urls []string
	switch {
	case strings.TrimSpace(opts.URL) != "":
		urls = []string{strings.TrimSpace(opts.URL)}
	case strings.TrimSpace(opts.FileID) != "":
		// FileID may also be a full share link; extract the ID from it.
		id, ok := FileIDFromURL(opts.FileID)
		if !ok {
			return nil, fmt.Errorf("drive: cannot extract a file id from %q", opts.FileID)
		}
		urls = []string{
			fmt.Sprintf(sheetExportURLFmt, id),
			fmt.Sprintf(driveDownloadURLFmt, id),
		}
	default:
		return nil, errors.New("drive: missing url or file id")
	}

	return &Client{log: logger, urls: urls, httpc: httpc}, nil
}

// FetchLatest downloads the catalog, trying each endpoint in order.
// The returned bytes are raw CSV, uninterpreted.
func (c *Client) FetchLatest(ctx context.Context) ([]byte, error) {
	var lastErr error
	for i, u := range c.urls {
		content, err := c.fetchOne(ctx, u)
		if err == nil {
			c.log.Info("catalog downloaded", "bytes", len(content))
			return content, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(c.urls)-1 {
			c.log.Warn("sheet export failed, trying direct download", "error", err)
		}
	}
	return nil, lastErr
}

func (c *Client) fetchOne(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UnavailableError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(firstLine(string(body))),
		}
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, &UnavailableError{StatusCode: resp.StatusCode, Message: "empty response"}
	}
	// A private sheet answers 200 with a sign-in page instead of CSV.
	if strings.HasPrefix(trimmed, "<") {
		return nil, &UnavailableError{StatusCode: resp.StatusCode, Message: "got an HTML page instead of CSV, is the document shared publicly?"}
	}
	return body, nil
}

var fileIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`),
}

// FileIDFromURL extracts the document ID from the usual shapes of Drive
// and Sheets share links. Bare IDs pass through unchanged.
func FileIDFromURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "/") && !strings.Contains(raw, "=") {
		return raw, true
	}
	for _, re := range fileIDPatterns {
		if m := re.FindStringSubmatch(raw); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
