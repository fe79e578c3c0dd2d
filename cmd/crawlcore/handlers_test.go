package main

import (
	"encoding/json"
	"testing"
)

func TestStatusErrorIncludesCode(t *testing.T) {
	err := errStatus(503)
	if err.Error() != "unexpected status code 503" {
		t.Errorf("errStatus(503).Error() = %q, want %q", err.Error(), "unexpected status code 503")
	}
}

func TestFetchResultMarshalsExpectedFields(t *testing.T) {
	r := fetchResult{URL: "https://example.com/", StatusCode: 200, BodyBytes: 1024}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if got["url"] != "https://example.com/" || got["statusCode"] != float64(200) || got["bodyBytes"] != float64(1024) {
		t.Errorf("unmarshaled fields = %+v, unexpected", got)
	}
}
