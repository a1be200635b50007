package feishu

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jkaninda/kazi/internal/agent"
)

// Card is the interactive-card payload. The field set is fixed so that
// rendering a parsed card reproduces it byte for byte.
type Card struct {
	Config   CardConfig    `json:"config"`
	Header   *CardHeader   `json:"header,omitempty"`
	Elements []CardElement `json:"elements"`
}

type CardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
}

type CardHeader struct {
	Title    CardText `json:"title"`
	Template string   `json:"template,omitempty"`
}

type CardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type CardElement struct {
	Tag    string      `json:"tag"`
	Text   *CardText   `json:"text,omitempty"`
	Fields []CardField `json:"fields,omitempty"`
}

type CardField struct {
	IsShort bool     `json:"is_short"`
	Text    CardText `json:"text"`
}

// BuildCard renders a turn reply as an interactive card.
func BuildCard(resp *agent.RenderedResponse) (json.RawMessage, error) {
	card := Card{
		Config:   CardConfig{WideScreenMode: true},
		Elements: make([]CardElement, 0, len(resp.Blocks)+1),
	}
	for i, block := range resp.Blocks {
		if i == 0 && block.Title != "" {
			card.Header = &CardHeader{
				Title:    CardText{Tag: "plain_text", Content: block.Title},
				Template: "blue",
			}
		}
		card.Elements = append(card.Elements, blockElement(block))
	}
	if len(card.Elements) == 0 {
		card.Elements = append(card.Elements, CardElement{
			Tag:  "div",
			Text: &CardText{Tag: "plain_text", Content: resp.TextFallback},
		})
	}
	return RenderCard(&card)
}

// RenderCard marshals a card. Inverse of ParseCard.
func RenderCard(card *Card) (json.RawMessage, error) {
	raw, err := json.Marshal(card)
	if err != nil {
		return nil, fmt.Errorf("encoding card: %w", err)
	}
	return raw, nil
}

// ParseCard decodes a card payload. Inverse of RenderCard.
func ParseCard(raw json.RawMessage) (*Card, error) {
	var card Card
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, fmt.Errorf("decoding card: %w", err)
	}
	return &card, nil
}

func blockElement(block agent.Block) CardElement {
	switch block.Kind {
	case "record":
		keys := make([]string, 0, len(block.Fields))
		for k := range block.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]CardField, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, CardField{
				IsShort: true,
				Text:    CardText{Tag: "lark_md", Content: "**" + k + "**\n" + block.Fields[k]},
			})
		}
		return CardElement{Tag: "div", Fields: fields}
	case "list":
		return CardElement{
			Tag:  "div",
			Text: &CardText{Tag: "lark_md", Content: strings.Join(block.Lines, "\n")},
		}
	default:
		content := block.Title
		if len(block.Lines) > 0 {
			content = strings.Join(block.Lines, "\n")
		}
		return CardElement{
			Tag:  "div",
			Text: &CardText{Tag: "plain_text", Content: content},
		}
	}
}
