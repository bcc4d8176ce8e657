// Package score talks to the external ML sidecar: behavior scoring,
// abstract class probabilities, OCR and object detection. The scoring
// path degrades to a default instead of failing the request.
package score

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

const (
	// DefaultConfidenceScore is the fallback when the ML service is
	// unreachable: a mid-high score that routes to a light challenge.
	DefaultConfidenceScore = 75

	predictBotPath      = "/predict-bot"
	abstractBatchPath   = "/predict-abstract-proba-batch"
	predictTextPath     = "/predict-text"
	predictImagePath    = "/predict-image"
	defaultModelTimeout = 15 * time.Second
)

type BotScore struct {
	ConfidenceScore float64 `json:"confidence_score"`
	IsBot           bool    `json:"is_bot"`
	// Degraded is set when the default was substituted for a real score
	Degraded bool `json:"-"`
}

type Box struct {
	X1        float64 `json:"x1"`
	Y1        float64 `json:"y1"`
	X2        float64 `json:"x2"`
	Y2        float64 `json:"y2"`
	Conf      float64 `json:"conf"`
	ClassID   int     `json:"class_id"`
	ClassName string  `json:"class_name"`
}

type Detection struct {
	Width  int   `json:"width"`
	Height int   `json:"height"`
	Boxes  []Box `json:"boxes"`
}

type NamedImage struct {
	Name string
	Data []byte
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	ocrTimeout time.Duration
}

type Opts struct {
	BaseURL    string
	Timeout    time.Duration
	OCRTimeout time.Duration
}

func NewClient(opts Opts) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultModelTimeout
	}

	ocrTimeout := opts.OCRTimeout
	if ocrTimeout <= 0 {
		ocrTimeout = timeout
	}

	return &Client{
		baseURL:    opts.BaseURL,
		httpClient: &http.Client{},
		timeout:    timeout,
		ocrTimeout: ocrTimeout,
	}
}

func (c *Client) postJSON(ctx context.Context, path string, payload, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model endpoint %v returned status %v", path, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(dest)
}

// PredictBot never fails the caller: any upstream problem yields the
// default score with Degraded set.
func (c *Client) PredictBot(ctx context.Context, behaviorData json.RawMessage) BotScore {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result BotScore
	payload := map[string]json.RawMessage{"behavior_data": behaviorData}
	if err := c.postJSON(ctx, predictBotPath, payload, &result); err != nil {
		slog.WarnContext(ctx, "Bot prediction degraded to default score", common.ErrAttr(err))
		return BotScore{ConfidenceScore: DefaultConfidenceScore, Degraded: true}
	}

	return result
}

// AbstractProbaBatch returns one probability per image, in input order.
func (c *Client) AbstractProbaBatch(ctx context.Context, images []NamedImage, targetClass string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	for _, img := range images {
		part, err := form.CreateFormFile("files", img.Name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, err
		}
	}

	if err := form.WriteField("target_class", targetClass); err != nil {
		return nil, err
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+abstractBatchPath, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("abstract batch returned status %v", resp.StatusCode)
	}

	var result struct {
		Probs []float64 `json:"probs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	if len(result.Probs) != len(images) {
		return nil, fmt.Errorf("got %v probabilities for %v images", len(result.Probs), len(images))
	}

	return result.Probs, nil
}

// PredictText runs OCR over the image bytes. A non-empty lexicon narrows
// the decoder to the expected answers and is forwarded as a JSON array.
func (c *Client) PredictText(ctx context.Context, image []byte, lexicon []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.ocrTimeout)
	defer cancel()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	part, err := form.CreateFormFile("file", "sample.png")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(image); err != nil {
		return "", err
	}

	if len(lexicon) > 0 {
		encoded, err := json.Marshal(lexicon)
		if err != nil {
			return "", err
		}
		if err := form.WriteField("lexicon", string(encoded)); err != nil {
			return "", err
		}
	}

	if err := form.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+predictTextPath, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("text prediction returned status %v", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	return parseOCRResponse(data)
}

// parseOCRResponse tolerates the response shapes different model versions
// produce: {"text"}, {"prediction"} or {"result":{"text"}}.
func parseOCRResponse(data []byte) (string, error) {
	var envelope struct {
		Text       *string `json:"text"`
		Prediction *string `json:"prediction"`
		Result     *struct {
			Text string `json:"text"`
		} `json:"result"`
	}

	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("failed to decode OCR response: %w", err)
	}

	switch {
	case envelope.Text != nil:
		return *envelope.Text, nil
	case envelope.Prediction != nil:
		return *envelope.Prediction, nil
	case envelope.Result != nil:
		return envelope.Result.Text, nil
	default:
		return "", fmt.Errorf("OCR response carries no text")
	}
}

// PredictImage runs object detection, used by the offline labelling job.
func (c *Client) PredictImage(ctx context.Context, imageURL string) (*Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	detection := &Detection{}
	payload := map[string]string{"image_url": imageURL}
	if err := c.postJSON(ctx, predictImagePath, payload, detection); err != nil {
		return nil, err
	}

	return detection, nil
}
