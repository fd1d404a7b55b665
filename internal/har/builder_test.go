package har

import (
	"encoding/json"
	"testing"

	"github.com/sonicaghi/HARchiver/internal/domain"
)

func TestBuildEnvelope(t *testing.T) {
	ex := domain.Exchange{
		Method:    "POST",
		URL:       "http://example.com/v1/items?full=1",
		ClientIP:  "10.1.2.3",
		ServerIP:  "93.184.216.34",
		StartedAt: "2016-01-02T15:04:05Z",
		ReqHeaders: []domain.Header{
			{Name: "Accept", Value: "application/json"},
			{Name: "X-Forwarded-For", Value: "10.1.2.3"},
		},
		ResHeaders:  []domain.Header{{Name: "Content-Type", Value: "application/json"}},
		Status:      201,
		ReqBodySize: 17,
		ResBodySize: 42,
		SendMS:      1,
		WaitMS:      120,
		ReceiveMS:   3,
	}

	raw, err := Builder{ServiceToken: "tok-1"}.Build(ex)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.ServiceToken != "tok-1" {
		t.Fatalf("serviceToken = %q", msg.ServiceToken)
	}
	if msg.StartedDateTime != "2016-01-02T15:04:05Z" {
		t.Fatalf("startedDateTime = %q", msg.StartedDateTime)
	}
	if msg.Request.Method != "POST" || msg.Request.URL != ex.URL {
		t.Fatalf("request line = %s %s", msg.Request.Method, msg.Request.URL)
	}
	if msg.Request.HeadersSize != -1 || msg.Response.HeadersSize != -1 {
		t.Fatalf("headersSize must be -1, got %d/%d", msg.Request.HeadersSize, msg.Response.HeadersSize)
	}
	if msg.Request.BodySize != 17 || msg.Response.BodySize != 42 {
		t.Fatalf("bodySize = %d/%d", msg.Request.BodySize, msg.Response.BodySize)
	}
	if msg.Response.Status != 201 || msg.Response.StatusText != "Created" {
		t.Fatalf("response status = %d %q", msg.Response.Status, msg.Response.StatusText)
	}
	if len(msg.Request.Headers) != 2 || msg.Request.Headers[0].Name != "Accept" {
		t.Fatalf("request headers = %+v", msg.Request.Headers)
	}
	if msg.Timings.Send != 1 || msg.Timings.Wait != 120 || msg.Timings.Receive != 3 {
		t.Fatalf("timings = %+v", msg.Timings)
	}
}

func TestBuildDefaultsUnresolvedServerIP(t *testing.T) {
	raw, err := Builder{ServiceToken: "tok"}.Build(domain.Exchange{
		Method:    "GET",
		URL:       "http://example.com/",
		StartedAt: "2016-01-02T15:04:05Z",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.ServerIPAddress != domain.ServerIPUnresolved {
		t.Fatalf("serverIPAddress = %q, want %q", msg.ServerIPAddress, domain.ServerIPUnresolved)
	}
}

func TestBuildEmptyHeadersMarshalAsEmptyArrays(t *testing.T) {
	raw, err := Builder{}.Build(domain.Exchange{Method: "GET", URL: "http://example.com/"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var probe struct {
		Request struct {
			Headers json.RawMessage `json:"headers"`
		} `json:"request"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(probe.Request.Headers) != "[]" {
		t.Fatalf("headers = %s, want []", probe.Request.Headers)
	}
}
