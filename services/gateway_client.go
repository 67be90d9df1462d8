package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// Notifier pushes messages back to users through the chat gateway.
type Notifier interface {
	DeliverText(ctx context.Context, userID int64, text string) error
	// DeliverTask sends the duel task text along with the key of its hint
	// picture.
	DeliverTask(ctx context.Context, userID int64, text, hintKey string) error
	// DeliverPhotoPair sends the user's own photo first, then the opponent's.
	DeliverPhotoPair(ctx context.Context, userID int64, own, opponent []byte) error
}

// GatewayClient delivers notifications to the bot frontend's webhook.
type GatewayClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewGatewayClient(baseURL, token string, client *http.Client) *GatewayClient {
	return &GatewayClient{BaseURL: baseURL, Token: token, Client: client}
}

type textDelivery struct {
	UserID  int64  `json:"user_id"`
	Text    string `json:"text"`
	HintKey string `json:"hint_key,omitempty"`
}

func (c *GatewayClient) DeliverText(ctx context.Context, userID int64, text string) error {
	return c.deliverText(ctx, textDelivery{UserID: userID, Text: text})
}

func (c *GatewayClient) DeliverTask(ctx context.Context, userID int64, text, hintKey string) error {
	return c.deliverText(ctx, textDelivery{UserID: userID, Text: text, HintKey: hintKey})
}

func (c *GatewayClient) deliverText(ctx context.Context, msg textDelivery) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "failed to encode text delivery")
	}
	return c.post(ctx, "/deliver/text", "application/json", bytes.NewReader(payload))
}

func (c *GatewayClient) DeliverPhotoPair(ctx context.Context, userID int64, own, opponent []byte) error {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("user_id", strconv.FormatInt(userID, 10)); err != nil {
		return eris.Wrap(err, "failed to encode photo delivery")
	}
	for _, p := range []struct {
		name string
		data []byte
	}{{"own", own}, {"opponent", opponent}} {
		part, err := form.CreateFormFile(p.name, p.name+".jpg")
		if err != nil {
			return eris.Wrap(err, "failed to encode photo delivery")
		}
		if _, err := part.Write(p.data); err != nil {
			return eris.Wrap(err, "failed to encode photo delivery")
		}
	}
	if err := form.Close(); err != nil {
		return eris.Wrap(err, "failed to encode photo delivery")
	}
	return c.post(ctx, "/deliver/photos", form.FormDataContentType(), &body)
}

func (c *GatewayClient) post(ctx context.Context, path, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s%s", c.BaseURL, path), body)
	if err != nil {
		return eris.Wrapf(err, "failed to build %s request", path)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "gateway %s failed", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return eris.Errorf("gateway %s returned %d: %s", path, resp.StatusCode, string(msg))
	}
	return nil
}
