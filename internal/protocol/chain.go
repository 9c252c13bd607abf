package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Component kinds
const (
	ComponentPlain  = "Plain"
	ComponentImage  = "Image"
	ComponentAt     = "At"
	ComponentAtAll  = "AtAll"
	ComponentQuote  = "Quote"
	ComponentSource = "Source"
)

// Component is one element of a message chain. Kinds this package does not
// know about keep their original JSON in Raw and are written back verbatim.
type Component struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	URL    string       `json:"url,omitempty"`
	Base64 string       `json:"base64,omitempty"`
	Target string       `json:"target,omitempty"`
	ID     string       `json:"id,omitempty"`
	Time   int64        `json:"time,omitempty"`
	Origin MessageChain `json:"origin,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type component Component

// UnmarshalJSON decodes a component, keeping unknown kinds as raw JSON.
func (c *Component) UnmarshalJSON(data []byte) error {
	var tmp component
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*c = Component(tmp)
	if !knownComponent(c.Type) {
		c.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// MarshalJSON encodes a component, writing unknown kinds back verbatim.
func (c Component) MarshalJSON() ([]byte, error) {
	if len(c.Raw) > 0 && !knownComponent(c.Type) {
		return c.Raw, nil
	}
	return json.Marshal(component(c))
}

func knownComponent(t string) bool {
	switch t {
	case ComponentPlain, ComponentImage, ComponentAt, ComponentAtAll, ComponentQuote, ComponentSource:
		return true
	}
	return false
}

// MessageChain is an ordered list of message components.
type MessageChain []Component

// Plain builds a chain holding a single text component.
func Plain(text string) MessageChain {
	return MessageChain{{Type: ComponentPlain, Text: text}}
}

// Text renders the chain as a single human-readable line.
func (mc MessageChain) Text() string {
	var b strings.Builder
	for _, c := range mc {
		switch c.Type {
		case ComponentPlain:
			b.WriteString(c.Text)
		case ComponentImage:
			b.WriteString("[Image]")
		case ComponentAt:
			fmt.Fprintf(&b, "@%s ", c.Target)
		case ComponentAtAll:
			b.WriteString("@All ")
		case ComponentQuote:
			fmt.Fprintf(&b, "[Quote: %s] ", c.Origin.Text())
		case ComponentSource:
			// metadata only
		default:
			fmt.Fprintf(&b, "[%s]", c.Type)
		}
	}
	return b.String()
}
