package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only include primitives we need at the adapter boundary.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// DefaultGreeting is spoken to the callee of an outbound call.
const DefaultGreeting = "Hello, this is a call from our application. Please stay on the line."

// RenderSay returns a TwiML document that speaks message.
func RenderSay(message, voice string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", errors.New("telephony: say message required")
	}
	return renderTwiML(twimlResponse{Verbs: []any{twimlSay{Voice: voice, Text: message}}})
}

// RenderEmpty returns a TwiML document with no verbs.
func RenderEmpty() (string, error) {
	return renderTwiML(twimlResponse{})
}

func renderTwiML(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
