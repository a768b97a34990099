package signalwire

import (
	"net/url"
	"testing"
)

func TestValidateSignature_RoundTrip(t *testing.T) {
	params := url.Values{}
	params.Set("CallSid", "CA1")
	params.Set("CallStatus", "ringing")
	params.Set("From", "+15551234567")

	fullURL := "https://app.example.com/api/voice/status"
	sig := ComputeSignature("tok", fullURL, params)

	if !ValidateSignature("tok", fullURL, params, sig) {
		t.Fatal("expected signature to validate")
	}
	if ValidateSignature("other", fullURL, params, sig) {
		t.Fatal("signature validated with wrong token")
	}

	params.Set("CallStatus", "completed")
	if ValidateSignature("tok", fullURL, params, sig) {
		t.Fatal("signature validated after tampering")
	}
}

func TestComputeSignature_SortsParameters(t *testing.T) {
	a := url.Values{"B": {"2"}, "A": {"1"}}
	b := url.Values{"A": {"1"}, "B": {"2"}}
	if ComputeSignature("tok", "https://x", a) != ComputeSignature("tok", "https://x", b) {
		t.Fatal("signature depends on map order")
	}
}
