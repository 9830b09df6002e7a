package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of a failed response is kept for messages
const maxErrorBody = 4 * 1024

// jsonRequest sends body as JSON and decodes a 2xx JSON response into out.
// Non-2xx responses become an *httpStatusError.
func jsonRequest(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s response: %w", url, err)
	}
	return nil
}

type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

func readStatusError(resp *http.Response) *httpStatusError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &httpStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

// statusKind maps an HTTP status onto an error kind
func statusKind(status int) Kind {
	switch status {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindPermissionDenied
	case http.StatusRequestEntityTooLarge:
		return KindTooLarge
	case http.StatusInsufficientStorage, http.StatusTooManyRequests:
		return KindQuotaExceeded
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return KindExecutionTimeout
	default:
		return KindBackendUnavailable
	}
}

// httpError normalizes a transport or status failure for op
func httpError(op string, err error) error {
	var se *httpStatusError
	if errors.As(err, &se) {
		return &Error{Kind: statusKind(se.Status), Op: op, Message: se.Error(), Err: se}
	}
	return Normalize(op, err)
}
