package imagecodec

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Checksum returns the hex BLAKE3-256 digest of b.
func Checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// LoadArtifact reads a PNG or JPEG reference image. When wantSum is set the
// file's BLAKE3 digest must match it.
func LoadArtifact(path, wantSum string) (image.Image, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if wantSum != "" {
		if got := Checksum(b); !strings.EqualFold(got, strings.TrimSpace(wantSum)) {
			return nil, fmt.Errorf("%s: checksum mismatch: got %s want %s", path, got, wantSum)
		}
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}
