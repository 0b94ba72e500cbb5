package serializer

import (
	"io"
	"net/http"
	"testing"
)

const stored = "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 10\r\n\r\n[{\"id\":1}]"

func TestStoredBytesAreReusable(t *testing.T) {
	// two independent reads of the same stored bytes
	for i := 0; i < 2; i++ {
		body, err := Body([]byte(stored))
		if err != nil {
			t.Fatalf("Error reading body: %+v", err)
		}
		if string(body) != `[{"id":1}]` {
			t.Fatalf("Body (read %d): %s", i, body)
		}
	}
}

func TestBytesToResponse(t *testing.T) {
	req, _ := http.NewRequest("GET", "/api/recipes", nil)
	res, err := BytesToResponse([]byte(stored), req)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK || res.Request != req {
		t.Fatalf("Response wrong: %d %v", res.StatusCode, res.Request)
	}
	if res.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("Content-Type header wrong %+v", res.Header)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != `[{"id":1}]` {
		t.Fatalf("Body: %s", body)
	}
}

func TestMalformedBytes(t *testing.T) {
	if _, err := Body([]byte("not a response")); err == nil {
		t.Fatal("Malformed bytes parsed")
	}
}
