package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// randomGatewayID generates a process-local identifier used when GATEWAY_ID
// is not pinned by the deployment (e.g. single-replica local runs).
func randomGatewayID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random gateway id: %w", err)
	}
	return "gw_" + hex.EncodeToString(buf), nil
}
