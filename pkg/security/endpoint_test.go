package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		policy EndpointPolicy
		ok     bool
	}{
		{"empty means default", "", EndpointPolicy{}, true},
		{"public https", "https://api.openai.com/v1", EndpointPolicy{}, true},
		{"plain http", "http://api.example.com/v1", EndpointPolicy{}, false},
		{"plain http allowed", "http://api.example.com/v1", EndpointPolicy{AllowHTTP: true}, true},
		{"unsupported scheme", "file:///etc/passwd", LocalPolicy, false},
		{"no host", "https:///v1", LocalPolicy, false},
		{"localhost", "https://localhost:8080", EndpointPolicy{}, false},
		{"mdns name", "https://box.local", EndpointPolicy{}, false},
		{"loopback ip", "https://127.0.0.1:11434", EndpointPolicy{}, false},
		{"private ip", "https://10.0.0.3", EndpointPolicy{}, false},
		{"mapped loopback", "https://[::ffff:127.0.0.1]", EndpointPolicy{}, false},
		{"zoned ipv6", "https://[fe80::1%25eth0]/", EndpointPolicy{}, false},
		{"zoned ipv6 local", "https://[fe80::1%25eth0]/", LocalPolicy, true},
		{"ollama", "http://localhost:11434", LocalPolicy, true},
		{"public ip", "https://8.8.8.8", EndpointPolicy{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckEndpoint(tt.url, tt.policy)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrEndpointRejected)
			}
		})
	}
}
