package discovery

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	publicIPTimeout  = 5 * time.Second
	publicIPMaxBody  = 64
	PublicIPFallback = "127.0.0.1"
)

// IP-echo services tried in order. Plain-text responses only.
var ipEchoServices = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
	"https://ipinfo.io/ip",
}

// PublicIP returns the station's public address as seen from the
// Internet. Services are tried in order with a per-request timeout;
// the first syntactically valid address wins. All failures fall back
// to 127.0.0.1. When localTesting is set the fallback is returned
// unconditionally.
func PublicIP(ctx context.Context, localTesting bool) string {
	if localTesting {
		return PublicIPFallback
	}

	client := &http.Client{Timeout: publicIPTimeout}
	for _, service := range ipEchoServices {
		ip, err := fetchIP(ctx, client, service)
		if err != nil {
			log.Printf("[Discovery] Public IP lookup via %s failed: %v", service, err)
			continue
		}
		log.Printf("[Discovery] Public IP %s (via %s)", ip, service)
		return ip
	}

	log.Printf("[Discovery] All public IP services failed, using %s", PublicIPFallback)
	return PublicIPFallback
}

func fetchIP(ctx context.Context, client *http.Client, service string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, publicIPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, publicIPMaxBody))
	if err != nil {
		return "", err
	}

	candidate := strings.TrimSpace(string(body))
	if net.ParseIP(candidate) == nil {
		return "", &net.ParseError{Type: "IP address", Text: candidate}
	}
	return candidate, nil
}
