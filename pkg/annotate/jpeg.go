package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/vigilcam/vigil/pkg/framestore"
)

// NotificationJPEGQuality is used for the single-frame images attached to
// immediate event notifications.
const NotificationJPEGQuality = 85

// EncodeJPEG compresses a frame envelope to JPEG bytes.
func EncodeJPEG(env *framestore.Envelope, quality int) ([]byte, error) {
	if !env.Valid() {
		return nil, fmt.Errorf("cannot encode invalid envelope (err=%q, %dx%d, %d bytes)",
			env.Err, env.Width, env.Height, len(env.Pixels))
	}

	img := image.NewRGBA(image.Rect(0, 0, env.Width, env.Height))
	for y := 0; y < env.Height; y++ {
		src := y * env.Width * 3
		dst := y * img.Stride
		for x := 0; x < env.Width; x++ {
			img.Pix[dst] = env.Pixels[src+2]   // R
			img.Pix[dst+1] = env.Pixels[src+1] // G
			img.Pix[dst+2] = env.Pixels[src]   // B
			img.Pix[dst+3] = 255
			src += 3
			dst += 4
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
