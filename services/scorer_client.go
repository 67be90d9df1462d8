package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// ScorePair is the scorer's similarity of each photo to the prompt, in [-1, 1].
type ScorePair struct {
	A float64 `json:"score_a"`
	B float64 `json:"score_b"`
}

// Scorer rates two photos against one prompt.
type Scorer interface {
	Score(ctx context.Context, prompt string, photoA, photoB []byte) (ScorePair, error)
}

// ScorerClient calls the ML scoring service over HTTP.
type ScorerClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewScorerClient(baseURL, token string, client *http.Client) *ScorerClient {
	return &ScorerClient{BaseURL: baseURL, Token: token, Client: client}
}

// Score posts both photos as multipart form data to /score.
func (c *ScorerClient) Score(ctx context.Context, prompt string, photoA, photoB []byte) (ScorePair, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("prompt", prompt); err != nil {
		return ScorePair{}, eris.Wrap(err, "failed to encode prompt")
	}
	for name, data := range map[string][]byte{"image_a": photoA, "image_b": photoB} {
		part, err := form.CreateFormFile(name, name+".jpg")
		if err != nil {
			return ScorePair{}, eris.Wrapf(err, "failed to encode %s", name)
		}
		if _, err := part.Write(data); err != nil {
			return ScorePair{}, eris.Wrapf(err, "failed to encode %s", name)
		}
	}
	if err := form.Close(); err != nil {
		return ScorePair{}, eris.Wrap(err, "failed to encode score request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/score", c.BaseURL), &body)
	if err != nil {
		return ScorePair{}, eris.Wrap(err, "failed to build score request")
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if c.Token != "" {
		req.Header.Set("X-Service-Token", c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return ScorePair{}, eris.Wrap(err, "scorer request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ScorePair{}, eris.Wrap(err, "failed to read scorer response")
	}
	if resp.StatusCode != http.StatusOK {
		return ScorePair{}, eris.Errorf("scorer returned %d: %.200s", resp.StatusCode, string(raw))
	}

	var out ScorePair
	if err := json.Unmarshal(raw, &out); err != nil {
		return ScorePair{}, eris.Wrap(err, "failed to decode scorer response")
	}
	if math.IsNaN(out.A) || math.IsNaN(out.B) || math.IsInf(out.A, 0) || math.IsInf(out.B, 0) {
		return ScorePair{}, eris.New("scorer returned a non-finite score")
	}
	return out, nil
}
