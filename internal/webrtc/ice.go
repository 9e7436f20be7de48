package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// ICEConfig holds the STUN/TURN servers handed to pion. The gateway treats
// this as opaque: it is populated from configuration and never derived.
type ICEConfig struct {
	// STUNServers is a list of STUN URIs.
	STUNServers []string

	// TURNURL is an optional TURN URI. When set, TURNUsername and
	// TURNPassword carry the long-term credentials.
	TURNURL      string
	TURNUsername string
	TURNPassword string

	// ForceRelay restricts ICE to relay candidates only.
	ForceRelay bool
}

// pionICEServers converts the config into pion's ICEServer list.
func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: append([]string(nil), c.STUNServers...)})
	}
	if c.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURNURL},
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return servers
}
