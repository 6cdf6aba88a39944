package requests

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/jmgilman/go/errors"

	ports "github.com/ZanzyTHEbar/answercache/acache/requests/ports"
)

// Extractor pulls the answer text out of a successful response body.
type Extractor func(body []byte) (string, error)

// retryAfterKey is the error context field holding a server-suggested wait.
const retryAfterKey = "retry_after"

var tryAgainPattern = regexp.MustCompile(`try again in (\d+\.?\d*)s`)

// apiError is the error object returned by OpenAI-compatible servers.
type apiError struct {
	Message any `json:"message"`
	Type    any `json:"type"`
	Code    any `json:"code"`
}

// classify turns an upstream reply into either an answer or a coded error:
// CodeUnavailable and CodeRateLimit are retryable, everything else is final.
func classify(resp *ports.Response, extract Extractor) (string, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		switch resp.StatusCode {
		case http.StatusServiceUnavailable:
			return "", errors.New(errors.CodeUnavailable, "service unavailable")
		case http.StatusTooManyRequests:
			return "", errors.New(errors.CodeRateLimit, "rate limit exceeded")
		}
		return "", errors.WithContext(
			errors.Wrap(err, errors.CodeExecutionFailed, fmt.Sprintf("Invalid response (HTTP %d): %v", resp.StatusCode, err)),
			"status", resp.StatusCode)
	}

	if raw, ok := envelope["detail"]; ok {
		var detail struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &detail) == nil && detail.Type == "service_unavailable" {
			return "", errors.New(errors.CodeUnavailable, "service unavailable")
		}
	}

	if raw, ok := envelope["error"]; ok {
		return "", classifyAPIError(raw)
	}

	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		return "", errors.New(errors.CodeUnavailable, "service unavailable")
	case http.StatusTooManyRequests:
		return "", errors.New(errors.CodeRateLimit, "rate limit exceeded")
	}

	answer, err := extract(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeExecutionFailed, fmt.Sprintf("Response Error: %v", err))
	}
	return answer, nil
}

func classifyAPIError(raw json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		var v any
		_ = json.Unmarshal(raw, &v)
		return errors.New(errors.CodeExecutionFailed, fmt.Sprintf("API Error: %v", v))
	}

	var e apiError
	_ = json.Unmarshal(raw, &e)
	message := orDefault(e.Message, "Unknown error occurred")
	code := orDefault(e.Code, "unknown_code")
	typ := orDefault(e.Type, "unknown_error")

	if code == "rate_limit_exceeded" {
		err := errors.New(errors.CodeRateLimit, message)
		if wait, ok := parseRetryAfter(message); ok {
			err = errors.WithContext(err, retryAfterKey, wait)
		}
		return err
	}

	return errors.WithContextMap(
		errors.New(errors.CodeExecutionFailed, fmt.Sprintf("API Error: %s - %s\n%s", typ, code, message)),
		map[string]any{"type": typ, "code": code},
	)
}

// parseRetryAfter reads the wait suggested by "try again in <N>s".
func parseRetryAfter(message string) (time.Duration, bool) {
	m := tryAgainPattern.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func orDefault(v any, def string) string {
	switch v := v.(type) {
	case nil:
		return def
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// networkError marks a transport failure as final. Its message is the
// transport error text, which becomes the answer.
func networkError(err error) error {
	return errors.WithClassification(
		errors.Wrap(err, errors.CodeNetwork, err.Error()),
		errors.ClassificationPermanent,
	)
}

// answerText is the text returned to callers for a final failure.
func answerText(err error) string {
	var pe errors.PlatformError
	if errors.As(err, &pe) {
		return pe.Message()
	}
	return err.Error()
}

// retryAfter returns the wait attached by classify, if any.
func retryAfter(err error) (time.Duration, bool) {
	var pe errors.PlatformError
	if !errors.As(err, &pe) {
		return 0, false
	}
	d, ok := pe.Context()[retryAfterKey].(time.Duration)
	return d, ok
}
