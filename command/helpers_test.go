package command

import (
	"testing"

	"github.com/calypsonet/calypso-engine/apdu"
)

// parseTestResponse appends a success status word to data and parses it,
// failing the test immediately on a framing error.
func parseTestResponse(t *testing.T, data []byte) (apdu.Response, error) {
	t.Helper()
	resp, err := apdu.Parse(append(append([]byte(nil), data...), 0x90, 0x00))
	if err != nil {
		t.Fatalf("apdu.Parse: %v", err)
	}
	return resp, nil
}
