// internal/launcher/endpoint.go
package launcher

import (
	"fmt"
	"regexp"
	"strings"
)

// The browser process announces its remote debugging endpoint on stdout once
// the protocol server is up. Only that line matters; everything else the
// process prints is noise.
var endpointPattern = regexp.MustCompile(`Juggler listening on (ws://\S+)`)

// parseEndpoint extracts the WebSocket endpoint from one line of browser
// output. It returns false for lines that do not announce the endpoint.
func parseEndpoint(line string) (string, bool) {
	m := endpointPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// validateEndpoint rejects endpoints that cannot possibly be dialed.
func validateEndpoint(url string) error {
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return fmt.Errorf("endpoint %q is not a WebSocket URL", url)
	}
	return nil
}
