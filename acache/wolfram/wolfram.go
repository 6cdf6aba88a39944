// Package wolfram queries the Wolfram|Alpha Short Answers API, caching both
// answers and refusals.
package wolfram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/answercache/acache/requests/adapters"
	ports "github.com/ZanzyTHEbar/answercache/acache/requests/ports"
)

const (
	DefaultBaseURL = "http://api.wolframalpha.com"
	DefaultTimeout = 7 * time.Second
)

// Texts returned in place of an answer.
const (
	MissingAppIDText  = `API application ID is not set. You may generate one for the "Short Answers API" under https://developer.wolframalpha.com).`
	NoShortAnswerText = "The input cannot be interpreted or no short answer is available."
	BadRequestText    = "Invalid API request. Check the input parameter."
)

// Options configures a Client. Nil caches disable caching.
type Options struct {
	AppID      string
	BaseURL    string
	Timeout    time.Duration
	Answers    ports.Cache
	Errors     ports.Cache
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	appID   string
	baseURL string
	timeout time.Duration
	answers ports.Cache
	errs    ports.Cache
	http    *http.Client
	logger  zerolog.Logger
}

// New creates a client, filling in the default base URL and timeout.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Answers == nil {
		opts.Answers = adapters.NoopCache{}
	}
	if opts.Errors == nil {
		opts.Errors = adapters.NoopCache{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		appID:   opts.AppID,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		timeout: opts.Timeout,
		answers: opts.Answers,
		errs:    opts.Errors,
		http:    opts.HTTPClient,
		logger:  opts.Logger.With().Str("service", "wolfram").Logger(),
	}
}

// Configured reports whether an application ID is set.
func (c *Client) Configured() bool { return c.appID != "" }

// Query returns either an answer or an error text, never both. Answers and
// "no short answer" refusals are cached; other failures are not.
func (c *Client) Query(ctx context.Context, question string) (answer, errText string) {
	if !c.Configured() {
		return "", MissingAppIDText
	}
	if v, ok := c.answers.Get(ctx, question); ok {
		return v, ""
	}
	if v, ok := c.errs.Get(ctx, question); ok {
		return "", v
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resultURL(question), nil)
	if err != nil {
		return "", fmt.Sprintf("Request Error: %v", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Sprintf("Request Error: %v", redact(err, c.appID))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Sprintf("Request Error: %v", err)
		}
		answer = string(body)
		c.store(ctx, c.answers, question, answer)
		return answer, ""
	case resp.StatusCode == http.StatusNotImplemented:
		c.store(ctx, c.errs, question, NoShortAnswerText)
		return "", NoShortAnswerText
	case resp.StatusCode == http.StatusBadRequest:
		return "", BadRequestText
	default:
		return "", fmt.Sprintf("HTTP Error: %s", resp.Status)
	}
}

func (c *Client) resultURL(question string) string {
	q := url.Values{}
	q.Set("appid", c.appID)
	q.Set("i", question)
	q.Set("units", "metric")
	return c.baseURL + "/v1/result?" + q.Encode()
}

func (c *Client) store(ctx context.Context, cache ports.Cache, question, value string) {
	stored, err := cache.Set(ctx, question, value)
	switch {
	case err != nil:
		c.logger.Error().Err(err).Str("question", question).Msg("Failed to persist Wolfram|Alpha result")
	case !stored:
		c.logger.Warn().Str("question", question).Msg("Wolfram|Alpha result does not fit in cache")
	}
}

// redact keeps the application ID out of error texts that embed the URL.
func redact(err error, appID string) string {
	return strings.ReplaceAll(err.Error(), appID, "***")
}
