// Package messaging sends SMS and WhatsApp messages through Twilio. The
// SDK client is primary; a raw HTTP client with the same credentials takes
// over when the SDK fails locally.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Errors
var (
	ErrNotConfigured  = errors.New("messaging: transport not configured")
	ErrInvalidMessage = errors.New("messaging: recipient and body are required")
)

// Channel is the delivery channel.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// ParseChannel maps free-form input onto a channel, defaulting to SMS.
func ParseChannel(s string) Channel {
	if strings.EqualFold(strings.TrimSpace(s), string(ChannelWhatsApp)) {
		return ChannelWhatsApp
	}
	return ChannelSMS
}

// Message is one outbound message. From and MessagingServiceSID are filled
// in from resolved credentials when the caller leaves them empty.
type Message struct {
	To                  string
	Body                string
	From                string
	MessagingServiceSID string
	Channel             Channel
	StatusCallback      string
}

// Result is what the provider returned for an accepted message.
type Result struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// Client sends a message with the given account credentials.
type Client interface {
	Send(ctx context.Context, creds Credentials, msg Message) (*Result, error)
}

// RemoteError is a rejection from the provider (bad recipient, trial
// restrictions, auth). It is final: no fallback, no retry.
type RemoteError struct {
	Code     int    `json:"code"`
	Status   int    `json:"status"`
	Message  string `json:"message"`
	MoreInfo string `json:"moreInfo,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("messaging: provider rejected message (code %d, status %d): %s", e.Code, e.Status, e.Message)
}

// IntegrationError is a local failure of a transport implementation:
// request building, connection, malformed responses. Sent is set once the
// request has been written to the provider; the message may then have been
// accepted even though no usable answer came back.
type IntegrationError struct {
	Transport string
	Err       error
	Sent      bool
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("messaging: %s transport failed: %v", e.Transport, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// IsAmbiguous reports whether err is an integration failure that happened
// after the request reached the provider. Such a send must not be retried.
func IsAmbiguous(err error) bool {
	var ie *IntegrationError
	return errors.As(err, &ie) && ie.Sent
}

// IsRemote reports whether err is a provider rejection.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// AsRemote extracts the provider rejection from err.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	ok := errors.As(err, &re)
	return re, ok
}

// newRemoteError builds a RemoteError and attaches a hint for known codes.
func newRemoteError(code, status int, message, moreInfo string) *RemoteError {
	return &RemoteError{
		Code:     code,
		Status:   status,
		Message:  message,
		MoreInfo: moreInfo,
		Hint:     HintFor(code),
	}
}

// Known provider error codes.
var hints = map[int]string{
	20003: "The account sid or auth token is wrong.",
	21211: "The recipient number is not a valid phone number. Use E.164 format, e.g. +14155552671.",
	21408: "Sending to this country or region is not enabled on the account.",
	21606: "The sender number cannot send SMS. Use an SMS-capable number or a messaging service.",
	21608: "Trial accounts can only send to verified numbers. Verify the recipient or upgrade the account.",
	21610: "The recipient has opted out (replied STOP).",
	21612: "The sender cannot reach this recipient.",
	21614: "The recipient number is not a mobile number.",
	63007: "The WhatsApp sender is not configured for this account.",
	63016: "The WhatsApp session window has closed; only approved templates can be sent.",
}

// HintFor returns a human-readable hint for a provider error code, or "".
func HintFor(code int) string {
	return hints[code]
}

// addressFor applies the channel prefix the provider expects.
func addressFor(ch Channel, number string) string {
	if number == "" || ch != ChannelWhatsApp || strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// prepare validates msg and fills sender fields from creds.
func prepare(creds Credentials, msg Message) (Message, error) {
	msg.To = strings.TrimSpace(msg.To)
	if msg.To == "" || strings.TrimSpace(msg.Body) == "" {
		return msg, ErrInvalidMessage
	}
	if msg.Channel == "" {
		msg.Channel = ChannelSMS
	}
	if msg.From == "" {
		msg.From = creds.SenderFor(msg.Channel)
	}
	if msg.MessagingServiceSID == "" && msg.From == "" {
		msg.MessagingServiceSID = creds.MessagingServiceSID
	}
	if msg.From == "" && msg.MessagingServiceSID == "" {
		return msg, ErrNotConfigured
	}
	if !creds.HasAccount() {
		return msg, ErrNotConfigured
	}
	msg.To = addressFor(msg.Channel, msg.To)
	msg.From = addressFor(msg.Channel, msg.From)
	return msg, nil
}
