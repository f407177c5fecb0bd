package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/always-cache/shellcache/fetch"
)

const (
	urlHeaderName  = "Shellcache-Url"
	typeHeaderName = "Shellcache-Type"
)

// ResponseToBytes returns the HTTP/1.1 representation of the response,
// with its URL and type carried in extra header fields.
// The response itself is not modified.
func ResponseToBytes(res *fetch.Response) ([]byte, error) {
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(urlHeaderName, res.URL)
	header.Set(typeHeaderName, string(res.Type))
	httpRes := &http.Response{
		StatusCode:    res.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(res.Body)),
		ContentLength: int64(len(res.Body)),
	}
	buf := &bytes.Buffer{}
	if err := httpRes.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToResponse parses bytes written by ResponseToBytes.
func BytesToResponse(b []byte) (*fetch.Response, error) {
	httpRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	defer httpRes.Body.Close()
	body, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	res := &fetch.Response{
		URL:        httpRes.Header.Get(urlHeaderName),
		Type:       fetch.Type(httpRes.Header.Get(typeHeaderName)),
		StatusCode: httpRes.StatusCode,
		Header:     httpRes.Header,
		Body:       body,
	}
	// delete extra headers
	res.Header.Del(urlHeaderName)
	res.Header.Del(typeHeaderName)
	return res, nil
}
