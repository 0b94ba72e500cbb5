package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// BytesToResponse converts a stored HTTP/1.1 response to a http.Response.
// Every call returns a response with its own body reader, so the same stored bytes
// can be sent to a client and written to a store without interfering.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// Body returns the decoded body of a stored response.
func Body(b []byte) ([]byte, error) {
	res, err := BytesToResponse(b, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return io.ReadAll(res.Body)
}
