package parser

import (
	"bytes"
	"fmt"
	"io"

	"golang.org/x/net/html/charset"
)

// Decode converts an HTML document to UTF-8, using the declared content type
// or the document's meta tags to find its encoding.
func Decode(body []byte, contentType string) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("detect charset: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return out, nil
}
