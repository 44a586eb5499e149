package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushNotifier posts an FCM-style JSON envelope to a push gateway.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushEnvelope struct {
	Message struct {
		Token string  `json:"token"`
		Data  Message `json:"data"`
	} `json:"message"`
}

func (p *PushNotifier) Notify(ctx context.Context, msg Message) error {
	var env pushEnvelope
	env.Message.Token = msg.RecipientID
	env.Message.Data = msg
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("push: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push: gateway returned %d", resp.StatusCode)
	}
	return nil
}
