package tokens

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"
)

var ErrNotDataURL = errors.New("not a base64 data url")

// DataURLImageSize decodes the header of a base64 image data URL and
// returns its dimensions. PNG, JPEG, GIF and WebP are recognised.
func DataURLImageSize(u string) (int, int, error) {
	if !strings.HasPrefix(u, "data:") {
		return 0, 0, ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(u[len("data:"):], ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return 0, 0, ErrNotDataURL
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("decode image data: %w", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
