package translate

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/gabriel-vasile/mimetype"
)

const imageLoadFailed = "\n\nFailed to load the image.\n"

var sandboxRef = regexp.MustCompile(`\(sandbox:(.*?)\)`)

// renderImage publishes a generated image and returns its markdown. Failures
// are reported inline so the rest of the turn still streams.
func (t *Translator) renderImage(ctx context.Context, fileID string) string {
	if t.opts.Files == nil {
		return imageLoadFailed
	}
	downloadURL, err := t.opts.Files.DownloadURL(ctx, fileID)
	if err != nil || downloadURL == "" {
		log.Warn("resolve image download url", "file_id", fileID, "err", err)
		return imageLoadFailed
	}
	if t.opts.Blobs == nil {
		return "\n\n![image](" + downloadURL + ")\n\n"
	}
	publicURL, err := t.publish(ctx, fileID, downloadURL)
	if err != nil {
		log.Warn("publish image", "file_id", fileID, "err", err)
		return imageLoadFailed
	}
	log.Debug("published image", "file_id", fileID, "url", publicURL)
	return "\n\n![image](" + publicURL + ")\n\n"
}

// publish fetches downloadURL into a temporary file and uploads it to the
// blob store. The temporary file is removed on every path.
func (t *Translator) publish(ctx context.Context, fileID, downloadURL string) (string, error) {
	f, err := os.CreateTemp(t.opts.TempDir, "chatbridge-asset-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()
	if err := t.opts.Files.Fetch(ctx, downloadURL, f); err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "", fmt.Errorf("detect image type: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return t.opts.Blobs.Put(ctx, fileID+mt.Extension(), mt.String(), f, size)
}

// sandboxLinks resolves every (sandbox:path) reference in text into a
// download link line, in order of appearance.
func (t *Translator) sandboxLinks(ctx context.Context, conversationID, messageID, text string) string {
	matches := sandboxRef.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 || t.opts.Files == nil {
		return ""
	}
	var b strings.Builder
	for i, m := range matches {
		u, err := t.opts.Files.ResponseFileURL(ctx, conversationID, messageID, m[1])
		if err != nil || u == "" {
			log.Warn("resolve sandbox file", "path", m[1], "err", err)
			continue
		}
		b.WriteString(DownloadLink(u, i, t.opts.FileProxyURL))
	}
	return b.String()
}

// DownloadLink formats the link line for the i-th sandbox file. With a proxy
// URL the host is replaced while path, query and fragment are kept.
func DownloadLink(downloadURL string, i int, proxyURL string) string {
	if proxyURL != "" {
		downloadURL = proxied(downloadURL, proxyURL)
	}
	return fmt.Sprintf("\n[Download file %d](%s)\n", i+1, downloadURL)
}

func proxied(downloadURL, proxyURL string) string {
	u, err := url.Parse(downloadURL)
	if err != nil {
		return downloadURL
	}
	out := strings.TrimRight(proxyURL, "/") + "/" + strings.TrimLeft(u.EscapedPath(), "/")
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		out += "#" + u.EscapedFragment()
	}
	return out
}
