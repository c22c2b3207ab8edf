package main

import (
	"testing"

	"github.com/fyrsmithlabs/flowstate/internal/natsutil"
)

// startNATS runs a JetStream server for the test and returns its client URL.
func startNATS(t *testing.T) string {
	t.Helper()
	return natsutil.StartTestServer(t).ClientURL()
}
