// Package har renders captured exchanges as collector datapoints.
package har

import (
	"encoding/json"
	"net/http"

	"github.com/sonicaghi/HARchiver/internal/domain"
)

// Builder serialises exchanges under one service token. Build is a pure
// transform with no side effects, so a Builder may be created per request.
type Builder struct {
	ServiceToken string
}

type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Request struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	Headers     []NameValue `json:"headers"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int64       `json:"bodySize"`
}

type Response struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	Headers     []NameValue `json:"headers"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int64       `json:"bodySize"`
}

// Timings carries the three measured phases in integer milliseconds.
type Timings struct {
	Send    int64 `json:"send"`
	Wait    int64 `json:"wait"`
	Receive int64 `json:"receive"`
}

// Message is the envelope consumed by the analytics collector. The service
// token rides next to the HAR fields so the collector can route per tenant.
type Message struct {
	ServiceToken    string   `json:"serviceToken"`
	StartedDateTime string   `json:"startedDateTime"`
	ClientIPAddress string   `json:"clientIPAddress"`
	ServerIPAddress string   `json:"serverIPAddress"`
	Request         Request  `json:"request"`
	Response        Response `json:"response"`
	Timings         Timings  `json:"timings"`
}

func (b Builder) Build(ex domain.Exchange) (string, error) {
	serverIP := ex.ServerIP
	if serverIP == "" {
		serverIP = domain.ServerIPUnresolved
	}
	msg := Message{
		ServiceToken:    b.ServiceToken,
		StartedDateTime: ex.StartedAt,
		ClientIPAddress: ex.ClientIP,
		ServerIPAddress: serverIP,
		Request: Request{
			Method:      ex.Method,
			URL:         ex.URL,
			Headers:     pairs(ex.ReqHeaders),
			HeadersSize: -1,
			BodySize:    ex.ReqBodySize,
		},
		Response: Response{
			Status:      ex.Status,
			StatusText:  http.StatusText(ex.Status),
			Headers:     pairs(ex.ResHeaders),
			HeadersSize: -1,
			BodySize:    ex.ResBodySize,
		},
		Timings: Timings{
			Send:    ex.SendMS,
			Wait:    ex.WaitMS,
			Receive: ex.ReceiveMS,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func pairs(hs []domain.Header) []NameValue {
	out := make([]NameValue, 0, len(hs))
	for _, h := range hs {
		out = append(out, NameValue{Name: h.Name, Value: h.Value})
	}
	return out
}
