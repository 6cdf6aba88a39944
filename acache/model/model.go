// Package model knows how to talk to the supported completion backends: the
// OpenAI chat completions API and a KoboldCpp server running Gemma.
package model

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ZanzyTHEbar/answercache/acache/requests"
)

// Type selects a backend.
type Type string

const (
	OpenAI Type = "openai"
	Gemma  Type = "gemma"
)

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options configures an Endpoint.
type Options struct {
	Type             Type
	OpenAIModel      string
	APIKey           string
	KoboldCppBaseURL string
}

// Endpoint builds requests for one backend and reads its replies.
type Endpoint struct {
	typ   Type
	url   string
	model string
	key   string
}

// New resolves the endpoint URL for opts.Type.
func New(opts Options) (*Endpoint, error) {
	e := &Endpoint{typ: opts.Type, model: opts.OpenAIModel, key: opts.APIKey}
	switch opts.Type {
	case OpenAI:
		e.url = openAIEndpoint
	case Gemma:
		base, err := url.Parse(opts.KoboldCppBaseURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("model: invalid KoboldCpp base URL %q", opts.KoboldCppBaseURL)
		}
		e.url = base.ResolveReference(&url.URL{Path: "api/v1/generate"}).String()
	default:
		return nil, fmt.Errorf("model: unknown type %q", opts.Type)
	}
	return e, nil
}

func (e *Endpoint) Type() Type  { return e.typ }
func (e *Endpoint) URL() string { return e.url }

// Headers returns the HTTP headers every request needs.
func (e *Endpoint) Headers() map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if e.typ == OpenAI {
		h["Authorization"] = "Bearer " + e.key
	}
	return h
}

// Target describes the endpoint to a requests.Manager.
func (e *Endpoint) Target() requests.Target {
	return requests.Target{
		Namespace: "model/" + string(e.typ),
		URL:       e.url,
		Headers:   e.Headers(),
		Extract:   e.Extract,
	}
}

// BuildRequest returns the JSON body for messages.
func (e *Endpoint) BuildRequest(messages []Message) any {
	if e.typ == Gemma {
		return newGemmaRequest(messages)
	}
	return openAIRequest{
		Model:       e.model,
		Messages:    messages,
		MaxTokens:   768,
		Temperature: 0,
		TopP:        1,
	}
}

// Extract reads the assistant answer from a successful reply.
func (e *Endpoint) Extract(body []byte) (string, error) {
	if e.typ == Gemma {
		var resp struct {
			Results []struct {
				Text string `json:"text"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decode generate response: %w", err)
		}
		if len(resp.Results) == 0 {
			return "", fmt.Errorf("generate response has no results")
		}
		return strings.TrimSpace(resp.Results[0].Text), nil
	}

	var resp struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type openAIRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"top_p"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	PresencePenalty  float64   `json:"presence_penalty"`
}
