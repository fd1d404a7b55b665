package redact

import (
	"encoding/json"
	"testing"
)

func TestJSONMasksSensitiveHeaderValues(t *testing.T) {
	in := `{"request":{"headers":[{"name":"Authorization","value":"Bearer secret"},{"name":"Accept","value":"*/*"}]}}`
	out := JSON(in)

	var v struct {
		Request struct {
			Headers []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
		} `json:"request"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, h := range v.Request.Headers {
		switch h.Name {
		case "Authorization":
			if h.Value != "***" {
				t.Fatalf("Authorization = %q, want masked", h.Value)
			}
		case "Accept":
			if h.Value != "*/*" {
				t.Fatalf("Accept mangled: %q", h.Value)
			}
		}
	}
}

func TestJSONPassesThroughInvalidInput(t *testing.T) {
	if got := JSON("not json"); got != "not json" {
		t.Fatalf("got %q", got)
	}
}

func TestJSONCaseInsensitiveNames(t *testing.T) {
	in := `[{"name":"COOKIE","value":"sid=1"}]`
	out := JSON(in)
	if out != `[{"name":"COOKIE","value":"***"}]` {
		t.Fatalf("got %s", out)
	}
}
