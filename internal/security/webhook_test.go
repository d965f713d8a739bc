package security

import "testing"

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid https", "https://hooks.example.com/alert", false},
		{"non-http scheme", "ftp://example.com", true},
		{"loopback ip", "http://127.0.0.1/alert", true},
		{"private ip", "http://10.0.0.5/alert", true},
		{"link-local ip", "http://169.254.1.1/alert", true},
		{"metadata endpoint", "http://169.254.169.254/latest/meta-data", true},
		{"unspecified", "http://0.0.0.0/alert", true},
		{"no host", "http:///alert", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWebhookURL(tt.url)
			if tt.wantErr && err == nil {
				t.Errorf("ValidateWebhookURL(%q) = nil, want error", tt.url)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateWebhookURL(%q) = %v, want nil", tt.url, err)
			}
		})
	}
}
