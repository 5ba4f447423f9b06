package messaging

import (
	"context"
	"errors"
	"net/http"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TransportSDK and TransportHTTP name the two implementations in errors
// and metrics.
const (
	TransportSDK  = "sdk"
	TransportHTTP = "http"
)

// SDKClient sends through the official Twilio client library.
type SDKClient struct {
	http    *http.Client
	baseURL string
}

// NewSDKClient creates an SDK-backed client. baseURL may be empty.
func NewSDKClient(httpClient *http.Client, baseURL string) *SDKClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &SDKClient{http: httpClient, baseURL: baseURL}
}

// Send creates the message. Provider rejections come back as *RemoteError;
// every other failure is an *IntegrationError, marked Sent when the request
// had already been written.
func (c *SDKClient) Send(ctx context.Context, creds Credentials, msg Message) (*Result, error) {
	msg, err := prepare(creds, msg)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &IntegrationError{Transport: TransportSDK, Err: err}
	}

	var tracker writeTracker
	base := &twclient.Client{
		Credentials: twclient.NewCredentials(creds.AccountSID, creds.AuthToken),
		HTTPClient:  scoped(tracker.trace(ctx), c.http, c.baseURL),
	}
	base.SetAccountSid(creds.AccountSID)
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{Client: base})

	params := &openapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetBody(msg.Body)
	if msg.From != "" {
		params.SetFrom(msg.From)
	}
	if msg.MessagingServiceSID != "" {
		params.SetMessagingServiceSid(msg.MessagingServiceSID)
	}
	if msg.StatusCallback != "" {
		params.SetStatusCallback(msg.StatusCallback)
	}

	resp, err := rest.Api.CreateMessage(params)
	if err != nil {
		var apiErr *twclient.TwilioRestError
		if errors.As(err, &apiErr) {
			return nil, newRemoteError(apiErr.Code, apiErr.Status, apiErr.Message, apiErr.MoreInfo)
		}
		return nil, &IntegrationError{Transport: TransportSDK, Err: err, Sent: tracker.sent()}
	}
	if resp == nil || resp.Sid == nil {
		return nil, &IntegrationError{Transport: TransportSDK, Err: errors.New("response without message sid"), Sent: true}
	}

	out := &Result{SID: *resp.Sid}
	if resp.Status != nil {
		out.Status = *resp.Status
	}
	return out, nil
}

var _ Client = (*SDKClient)(nil)
