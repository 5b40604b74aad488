package testutil

import (
	"net/http"
	"os"
	"testing"

	"github.com/banshee-data/vio-bridge/internal/vio"
)

func TestLocalHostRequest(t *testing.T) {
	t.Parallel()

	req := LocalHostRequest(http.MethodGet, "/debug/", nil)
	if req.RemoteAddr != "127.0.0.1:12345" {
		t.Errorf("RemoteAddr = %q, want loopback", req.RemoteAddr)
	}
	if req.URL.Path != "/debug/" {
		t.Errorf("path = %q", req.URL.Path)
	}
}

func TestRecordsEncodeAsValidBatch(t *testing.T) {
	t.Parallel()

	buf := Encode(Records(3))
	batch, ok := vio.Validate(buf, len(buf))
	if !ok {
		t.Fatal("encoded fixture records do not validate")
	}
	if batch.Len() != 3 {
		t.Fatalf("batch has %d records, want 3", batch.Len())
	}
	if got := batch.At(2).TimestampNs; got != 3000 {
		t.Errorf("third timestamp = %d, want 3000", got)
	}
}

func TestWriteChannelFile(t *testing.T) {
	t.Parallel()

	path := WriteChannelFile(t, Records(2))
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 2*vio.RecordSize {
		t.Errorf("size = %d, want %d", info.Size(), 2*vio.RecordSize)
	}
}
