package pipeline

import (
	"encoding/base64"
	"fmt"
)

// EncodeImage returns the portable text form of an image.
func EncodeImage(image []byte) string {
	return base64.StdEncoding.EncodeToString(image)
}

// DecodeImage reverses EncodeImage.
func DecodeImage(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}
	return data, nil
}
