package helpers

import (
	"net"
	"testing"
)

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		ip   string
		want IPClassification
	}{
		{"8.8.8.8", IPClassificationPublic},
		{"2001:4860:4860::8888", IPClassificationPublic},
		{"127.0.0.1", IPClassificationLoopback},
		{"127.8.9.10", IPClassificationLoopback},
		{"::1", IPClassificationLoopback},
		{"10.0.0.1", IPClassificationPrivate},
		{"172.16.5.4", IPClassificationPrivate},
		{"192.168.1.1", IPClassificationPrivate},
		{"fd00::1", IPClassificationPrivate},
		{"169.254.169.254", IPClassificationLinkLocal},
		{"fe80::1", IPClassificationLinkLocal},
		{"0.0.0.0", IPClassificationUnspecified},
		{"::", IPClassificationUnspecified},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := ClassifyIP(net.ParseIP(tt.ip)); got != tt.want {
				t.Errorf("ClassifyIP(%s) = %s, want %s", tt.ip, got, tt.want)
			}
		})
	}

	if got := ClassifyIP(nil); got != IPClassificationUnspecified {
		t.Errorf("ClassifyIP(nil) = %s", got)
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.255.0.1", true},
		{"::1", true},
		{"[::1]", true},
		{"0.0.0.0", false},
		{"example.com", false},
		{"localhost.example.com", false},
	}

	for _, tt := range tests {
		if got := IsLoopbackHostname(tt.host); got != tt.want {
			t.Errorf("IsLoopbackHostname(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr bool
	}{
		{"https://app.example.com/callback", false},
		{"http://127.0.0.1:8765/callback", false},
		{"http://localhost/callback", false},
		{"http://[::1]:9000/cb", false},
		{"com.example.app:/oauth2redirect", false},
		{"http://app.example.com/callback", true},
		{"https://app.example.com/callback#frag", true},
		{"/callback", true},
		{"javascript:alert(1)", true},
		{"https:///callback", true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			err := ValidateRedirectURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRedirectURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}
