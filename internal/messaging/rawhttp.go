package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxResponseBody bounds how much of a provider response is read.
const maxResponseBody = 1 << 20

// HTTPClient calls the Messages REST resource directly. It exists so a
// broken SDK build cannot take sending down with it.
type HTTPClient struct {
	http    *http.Client
	baseURL string
}

// NewRawHTTPClient creates the raw REST client. baseURL may be empty.
func NewRawHTTPClient(httpClient *http.Client, baseURL string) *HTTPClient {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTPClient{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type errorResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// Send posts the message form. Error classification matches SDKClient.
func (c *HTTPClient) Send(ctx context.Context, creds Credentials, msg Message) (*Result, error) {
	msg, err := prepare(creds, msg)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("Body", msg.Body)
	if msg.From != "" {
		form.Set("From", msg.From)
	}
	if msg.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", msg.MessagingServiceSID)
	}
	if msg.StatusCallback != "" {
		form.Set("StatusCallback", msg.StatusCallback)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(creds.AccountSID))
	var tracker writeTracker
	req, err := http.NewRequestWithContext(tracker.trace(ctx), http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &IntegrationError{Transport: TransportHTTP, Err: err}
	}
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &IntegrationError{Transport: TransportHTTP, Err: err, Sent: tracker.sent()}
	}
	defer func() { _ = resp.Body.Close() }()

	// From here on the provider has seen the request.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &IntegrationError{Transport: TransportHTTP, Err: err, Sent: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		if err := json.Unmarshal(body, &e); err != nil || (e.Code == 0 && e.Message == "") {
			return nil, &IntegrationError{
				Transport: TransportHTTP,
				Err:       fmt.Errorf("unexpected status %d", resp.StatusCode),
				Sent:      true,
			}
		}
		if e.Status == 0 {
			e.Status = resp.StatusCode
		}
		return nil, newRemoteError(e.Code, e.Status, e.Message, e.MoreInfo)
	}

	var m messageResponse
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &IntegrationError{Transport: TransportHTTP, Err: err, Sent: true}
	}
	if m.SID == "" {
		return nil, &IntegrationError{Transport: TransportHTTP, Err: errors.New("response without message sid"), Sent: true}
	}
	return &Result{SID: m.SID, Status: m.Status}, nil
}

var _ Client = (*HTTPClient)(nil)
