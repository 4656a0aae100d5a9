package main

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// describeICEServers renders the configured ICE servers for the startup log.
// TURN credentials are never included; servers carrying them are marked.
func describeICEServers(servers []webrtc.ICEServer) []string {
	if len(servers) == 0 {
		return []string{"none (host candidates only)"}
	}

	out := make([]string, 0, len(servers))
	for _, server := range servers {
		desc := strings.Join(server.URLs, ",")
		if iceServerHasTURNURL(server) && hasCredential(server) {
			desc += " (credentialed)"
		}
		out = append(out, desc)
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func hasCredential(server webrtc.ICEServer) bool {
	if strings.TrimSpace(server.Username) == "" {
		return false
	}
	cred, ok := server.Credential.(string)
	return ok && strings.TrimSpace(cred) != ""
}
