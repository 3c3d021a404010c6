package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/foxseedlab/denwaban/internal/telephony"
)

// RESTController drives the provider's call control API. Media flows over the
// stream endpoints; everything here is out-of-band signaling.
type RESTController struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewRESTController(baseURL, token string) telephony.CallController {
	return &RESTController{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{},
	}
}

func (c *RESTController) post(ctx context.Context, path string, body any, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if !isHTTPSuccessStatus(resp.StatusCode) {
		return resp.StatusCode, fmt.Errorf("telephony API returned status %d for %s", resp.StatusCode, path)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode telephony API response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *RESTController) RedirectToConference(ctx context.Context, callID, room string) error {
	_, err := c.post(ctx, "/calls/"+callID+"/redirect", map[string]string{"room": room}, nil)
	return err
}

func (c *RESTController) DialParticipant(ctx context.Context, room, number string, timeout time.Duration) (telephony.DialOutcome, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var out struct {
		Outcome string `json:"outcome"`
		LegID   string `json:"leg_id"`
	}
	_, err := c.post(dialCtx, "/conferences/"+room+"/dial", map[string]any{
		"number":      number,
		"timeout_sec": int(timeout.Seconds()),
	}, &out)
	if err != nil {
		return telephony.DialFailed, "", err
	}
	switch telephony.DialOutcome(out.Outcome) {
	case telephony.DialAnswered, telephony.DialNoAnswer, telephony.DialBusy, telephony.DialFailed:
		return telephony.DialOutcome(out.Outcome), out.LegID, nil
	default:
		return telephony.DialFailed, out.LegID, fmt.Errorf("telephony API returned unknown dial outcome %q", out.Outcome)
	}
}

func (c *RESTController) AddAssistantLeg(ctx context.Context, room string) (string, error) {
	var out struct {
		LegID string `json:"leg_id"`
	}
	status, err := c.post(ctx, "/conferences/"+room+"/assistant-leg", map[string]string{}, &out)
	if err != nil {
		if status == http.StatusNotImplemented || status == http.StatusNotFound {
			return "", telephony.ErrAssistantLegUnsupported
		}
		return "", err
	}
	return out.LegID, nil
}

func (c *RESTController) Announce(ctx context.Context, room, text string) error {
	_, err := c.post(ctx, "/conferences/"+room+"/announce", map[string]string{"text": text}, nil)
	return err
}

func (c *RESTController) StartRecording(ctx context.Context, room string) (string, error) {
	var out struct {
		RecordingID string `json:"recording_id"`
	}
	if _, err := c.post(ctx, "/conferences/"+room+"/recording", map[string]string{}, &out); err != nil {
		return "", err
	}
	return out.RecordingID, nil
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
