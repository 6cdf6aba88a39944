package model

import "strings"

// GemmaPrompt renders messages in Gemma's turn format. The assistant role is
// called "model" there, and the prompt ends with an open model turn.
func GemmaPrompt(messages []Message) string {
	var b strings.Builder
	b.WriteString("<end_of_turn>\n")
	for _, m := range messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		b.WriteString("<start_of_turn>")
		b.WriteString(role)
		b.WriteString("\n")
		b.WriteString(m.Content)
		b.WriteString("<end_of_turn>\n")
	}
	b.WriteString("<start_of_turn>model\n")
	return b.String()
}

// gemmaRequest is the KoboldCpp generate body.
type gemmaRequest struct {
	N                     int            `json:"n"`
	MaxContextLength      int            `json:"max_context_length"`
	MaxLength             int            `json:"max_length"`
	RepPen                float64        `json:"rep_pen"`
	Temperature           float64        `json:"temperature"`
	TopP                  float64        `json:"top_p"`
	TopK                  int            `json:"top_k"`
	TopA                  float64        `json:"top_a"`
	Typical               float64        `json:"typical"`
	TFS                   float64        `json:"tfs"`
	RepPenRange           int            `json:"rep_pen_range"`
	RepPenSlope           float64        `json:"rep_pen_slope"`
	SamplerOrder          []int          `json:"sampler_order"`
	Memory                string         `json:"memory"`
	TrimStop              bool           `json:"trim_stop"`
	GenKey                string         `json:"genkey"`
	MinP                  float64        `json:"min_p"`
	DynatempRange         float64        `json:"dynatemp_range"`
	DynatempExponent      float64        `json:"dynatemp_exponent"`
	SmoothingFactor       float64        `json:"smoothing_factor"`
	BannedTokens          []string       `json:"banned_tokens"`
	RenderSpecial         bool           `json:"render_special"`
	PresencePenalty       float64        `json:"presence_penalty"`
	LogitBias             map[string]int `json:"logit_bias"`
	Prompt                string         `json:"prompt"`
	Quiet                 bool           `json:"quiet"`
	StopSequence          []string       `json:"stop_sequence"`
	UseDefaultBadwordsIDs bool           `json:"use_default_badwordsids"`
	BypassEOS             bool           `json:"bypass_eos"`
}

func newGemmaRequest(messages []Message) gemmaRequest {
	return gemmaRequest{
		N:                1,
		MaxContextLength: 4096,
		MaxLength:        768,
		RepPen:           1.01,
		Temperature:      0.25,
		TopP:             0.6,
		TopK:             100,
		Typical:          1,
		TFS:              1,
		RepPenRange:      320,
		RepPenSlope:      0.7,
		SamplerOrder:     []int{6, 0, 1, 3, 4, 2, 5},
		TrimStop:         true,
		GenKey:           "KCPP9905",
		DynatempExponent: 1,
		BannedTokens:     []string{},
		LogitBias:        map[string]int{},
		Prompt:           GemmaPrompt(messages),
		Quiet:            true,
		StopSequence: []string{
			"<end_of_turn>\n<start_of_turn>user",
			"<end_of_turn>\n<start_of_turn>model",
		},
	}
}
