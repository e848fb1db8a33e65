package segmentation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"parcel-audit/internal/model"
)

// PointPrompt is a pixel position; Label 1 marks foreground, 0 background.
type PointPrompt struct {
	X     float64
	Y     float64
	Label int
}

// Prompt narrows a segmentation call. An empty prompt asks for automatic
// segmentation of the whole image.
type Prompt struct {
	Points []PointPrompt
	Boxes  [][4]float64
}

func (p Prompt) Empty() bool { return len(p.Points) == 0 && len(p.Boxes) == 0 }

// Segmenter produces a label mask for an image.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image, prompt Prompt) (*Mask, error)
}

type HTTPOptions struct {
	URL     string
	Timeout time.Duration
}

// HTTPSegmenter calls a model server exposing POST /segment.
type HTTPSegmenter struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSegmenter(opts HTTPOptions) *HTTPSegmenter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPSegmenter{
		endpoint: strings.TrimRight(opts.URL, "/") + "/segment",
		client:   &http.Client{Timeout: timeout},
	}
}

type segmentRequest struct {
	Image  string       `json:"image"`
	Points [][3]float64 `json:"points,omitempty"`
	Boxes  [][4]float64 `json:"boxes,omitempty"`
}

func (s *HTTPSegmenter) Segment(ctx context.Context, img image.Image, prompt Prompt) (*Mask, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: encode image: %v", model.ErrInference, err)
	}
	reqBody := segmentRequest{
		Image: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Boxes: prompt.Boxes,
	}
	for _, p := range prompt.Points {
		reqBody.Points = append(reqBody.Points, [3]float64{p.X, p.Y, float64(p.Label)})
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInference, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInference, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", model.ErrInference, err)
	}

	if resp.StatusCode != http.StatusOK || strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%w: model server: %s", model.ErrInference, e.Error)
		}
		return nil, fmt.Errorf("%w: model server returned status %d", model.ErrInference, resp.StatusCode)
	}

	mask, err := DecodeMask(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInference, err)
	}
	b := img.Bounds()
	if mask.Width != b.Dx() || mask.Height != b.Dy() {
		return nil, fmt.Errorf("%w: mask is %dx%d, image is %dx%d", model.ErrInference, mask.Width, mask.Height, b.Dx(), b.Dy())
	}
	return mask, nil
}

// asInference wraps err in model.ErrInference unless it already is one.
func asInference(err error) error {
	if err == nil || errors.Is(err, model.ErrInference) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrInference, err)
}
