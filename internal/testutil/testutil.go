// Package testutil provides shared test utilities and fixtures.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/vio-bridge/internal/vio"
)

// LocalHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func LocalHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// Records returns n valid records with timestamps 1000, 2000, ... and
// positions stepping along X.
func Records(n int) []vio.Record {
	out := make([]vio.Record, n)
	for i := range out {
		r := vio.NewRecord()
		r.TimestampNs = uint64(i+1) * 1000
		r.TImuWrtVio = r3.Vector{X: float64(i), Y: 2, Z: 3}
		r.VelImuWrtVio = r3.Vector{X: 0.5, Y: -0.25}
		r.ImuAngularVel = r3.Vector{Z: 0.125}
		out[i] = r
	}
	return out
}

// Encode packs records back to back as a producer would write them.
func Encode(recs []vio.Record) []byte {
	var buf []byte
	for i := range recs {
		buf = vio.AppendRecord(buf, &recs[i])
	}
	return buf
}

// WriteChannelFile writes recs to a file in a fresh temp dir and returns
// its path. Reading the file behaves like a producer that wrote once and
// hung up.
func WriteChannelFile(t *testing.T, recs []vio.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vio")
	if err := os.WriteFile(path, Encode(recs), 0o600); err != nil {
		t.Fatalf("failed to write channel file: %v", err)
	}
	return path
}
