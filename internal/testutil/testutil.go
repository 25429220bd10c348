// Package testutil provides shared test utilities and fixtures: small
// network topologies, lattice clouds, sample archives and HTTP helpers.
package testutil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/banshee-data/lesionseg/internal/npz"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a loopback test request with an optional body.
func NewTestRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:50000"
	return req
}

// CloudBody encodes an [n, 3] cloud as an .npz request body under "xyz".
func CloudBody(t testing.TB, pts []float32) []byte {
	t.Helper()
	ar := npz.NewArchive()
	ar.Set("xyz", npz.FromFloat32(pts, len(pts)/3, 3))
	body, err := ar.Encode()
	if err != nil {
		t.Fatalf("encoding cloud: %v", err)
	}
	return body
}

// ClaimedShapeBody builds an .npz whose "xyz" header declares shape (a
// Python tuple such as "(8192, 3)") while carrying only 12 data bytes.
func ClaimedShapeBody(t testing.TB, shape string) []byte {
	t.Helper()
	dict := "{'descr': '<f4', 'fortran_order': False, 'shape': " + shape + ", }\n"
	var npy bytes.Buffer
	npy.WriteString("\x93NUMPY\x01\x00")
	npy.WriteByte(byte(len(dict)))
	npy.WriteByte(byte(len(dict) >> 8))
	npy.WriteString(dict)
	npy.Write(make([]byte, 12))

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("xyz.npy")
	if err != nil {
		t.Fatalf("creating member: %v", err)
	}
	if _, err := w.Write(npy.Bytes()); err != nil {
		t.Fatalf("writing member: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing archive: %v", err)
	}
	return buf.Bytes()
}
