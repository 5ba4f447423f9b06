package sender

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/url"
	"strings"
)

// Request is a send request after normalisation.
type Request struct {
	To                  string `json:"to"`
	Body                string `json:"body"`
	Message             string `json:"message"`
	From                string `json:"from"`
	CompanyID           string `json:"companyId"`
	AccountSID          string `json:"accountSid"`
	AuthToken           string `json:"authToken"`
	MessagingServiceSID string `json:"messagingServiceSid"`
	StatusCallback      string `json:"statusCallback"`
	Channel             string `json:"channel"`
}

// Envelope is the raw inbound request a carrier reads from.
type Envelope struct {
	ContentType string
	Body        []byte
	Query       url.Values
}

// Carrier extracts a request from one place in the envelope.
type Carrier struct {
	Name    string
	Extract func(env Envelope) (Request, bool)
}

// Carriers is the precedence order. Fields are merged: an earlier carrier's
// non-empty value always wins.
var Carriers = []Carrier{
	{Name: "json", Extract: fromJSONBody},
	{Name: "form", Extract: fromFormBody},
	{Name: "query", Extract: fromQuery},
	{Name: "string_json", Extract: fromStringEncodedJSON},
}

// Normalize merges every carrier and fails with ErrMissingFields unless
// the result has both a recipient and a body.
func Normalize(env Envelope) (Request, error) {
	var out Request
	for _, c := range Carriers {
		if r, ok := c.Extract(env); ok {
			out = merge(out, r)
		}
	}
	out.To = strings.TrimSpace(out.To)
	if out.Body == "" {
		out.Body = out.Message
	}
	if out.To == "" || strings.TrimSpace(out.Body) == "" {
		return out, ErrMissingFields
	}
	return out, nil
}

func fromJSONBody(env Envelope) (Request, bool) {
	trimmed := bytes.TrimSpace(env.Body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Request{}, false
	}
	var r Request
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return Request{}, false
	}
	return r, true
}

func fromFormBody(env Envelope) (Request, bool) {
	mt, _, _ := mime.ParseMediaType(env.ContentType)
	if mt != "application/x-www-form-urlencoded" || len(env.Body) == 0 {
		return Request{}, false
	}
	values, err := url.ParseQuery(string(env.Body))
	if err != nil {
		return Request{}, false
	}
	return fromValues(values), true
}

func fromQuery(env Envelope) (Request, bool) {
	if len(env.Query) == 0 {
		return Request{}, false
	}
	return fromValues(env.Query), true
}

// fromStringEncodedJSON handles bodies that are a JSON string whose
// content is itself the JSON request.
func fromStringEncodedJSON(env Envelope) (Request, bool) {
	trimmed := bytes.TrimSpace(env.Body)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return Request{}, false
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return Request{}, false
	}
	return fromJSONBody(Envelope{Body: []byte(inner)})
}

func fromValues(v url.Values) Request {
	return Request{
		To:                  v.Get("to"),
		Body:                v.Get("body"),
		Message:             v.Get("message"),
		From:                v.Get("from"),
		CompanyID:           v.Get("companyId"),
		AccountSID:          v.Get("accountSid"),
		AuthToken:           v.Get("authToken"),
		MessagingServiceSID: v.Get("messagingServiceSid"),
		StatusCallback:      v.Get("statusCallback"),
		Channel:             v.Get("channel"),
	}
}

func merge(a, b Request) Request {
	pick := func(x, y string) string {
		if x != "" {
			return x
		}
		return y
	}
	return Request{
		To:                  pick(a.To, b.To),
		Body:                pick(a.Body, b.Body),
		Message:             pick(a.Message, b.Message),
		From:                pick(a.From, b.From),
		CompanyID:           pick(a.CompanyID, b.CompanyID),
		AccountSID:          pick(a.AccountSID, b.AccountSID),
		AuthToken:           pick(a.AuthToken, b.AuthToken),
		MessagingServiceSID: pick(a.MessagingServiceSID, b.MessagingServiceSID),
		StatusCallback:      pick(a.StatusCallback, b.StatusCallback),
		Channel:             pick(a.Channel, b.Channel),
	}
}
