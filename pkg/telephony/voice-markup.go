package telephony

import (
	"encoding/xml"
	"strings"
)

// ============================================
// LAML / TWIML GENERATION
// ============================================

const (
	ClientAddressPrefix = "client:"
	DefaultDialTimeout  = 30
	DefaultVoice        = "Polly.Joanna"

	MessageHold         = "Please hold while we connect your call."
	MessageUnavailable  = "Sorry, no one is available to take your call right now. Please try again later."
	MessageNotConnected = "Sorry, we could not connect your call. Please try again later."
	MessageThankYou     = "Thank you for calling. Goodbye."
	MessageCallEnded    = "The call has ended. Goodbye."
	MessageError        = "We're sorry, an application error occurred. Please try again later."
)

// Rendered when marshalling itself fails.
const fallbackErrorDocument = xml.Header + `<Response><Say>` + MessageError + `</Say></Response>`

// Response is the root LaML element
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text to the caller
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Dial bridges the call to a client or number
type Dial struct {
	XMLName        xml.Name `xml:"Dial"`
	CallerID       string   `xml:"callerId,attr,omitempty"`
	Timeout        int      `xml:"timeout,attr,omitempty"`
	AnswerOnBridge bool     `xml:"answerOnBridge,attr,omitempty"`
	Action         string   `xml:"action,attr,omitempty"`
	Method         string   `xml:"method,attr,omitempty"`
	Client         *Client  `xml:"Client,omitempty"`
	Number         *Number  `xml:"Number,omitempty"`
}

// Client is a browser endpoint dial target
type Client struct {
	Identity string `xml:",chardata"`
}

// Number is a PSTN dial target
type Number struct {
	Value string `xml:",chardata"`
}

// IncomingCallParams feeds IncomingDocument
type IncomingCallParams struct {
	From           string
	To             string
	ClientIdentity string // empty when no browser client could be resolved
	DialStatusURL  string
}

// VoiceMarkup builds the documents returned to carrier webhooks. Every
// method is pure and always returns a well-formed document.
type VoiceMarkup struct {
	Voice       string
	DialTimeout int
}

// NewVoiceMarkup creates a generator; zero values take the defaults.
func NewVoiceMarkup(voice string, dialTimeout int) *VoiceMarkup {
	if voice == "" {
		voice = DefaultVoice
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &VoiceMarkup{Voice: voice, DialTimeout: dialTimeout}
}

// OutboundDocument dials to with caller ID from. A "client:" prefix routes
// to a browser client, anything else to a phone number.
func (m *VoiceMarkup) OutboundDocument(to, from string) string {
	to = strings.TrimSpace(to)
	from = strings.TrimSpace(from)
	if to == "" || from == "" {
		return m.ErrorDocument("")
	}

	dial := &Dial{
		CallerID:       from,
		Timeout:        m.DialTimeout,
		AnswerOnBridge: true,
	}
	if identity, ok := ClientIdentityFromAddress(to); ok {
		dial.Client = &Client{Identity: identity}
	} else if strings.HasPrefix(to, ClientAddressPrefix) {
		return m.ErrorDocument("")
	} else {
		dial.Number = &Number{Value: to}
	}
	return m.render(dial)
}

// IncomingDocument announces a hold and dials the resolved browser client.
// Without a client it only announces unavailability.
func (m *VoiceMarkup) IncomingDocument(p IncomingCallParams) string {
	if strings.TrimSpace(p.From) == "" || strings.TrimSpace(p.To) == "" {
		return m.ErrorDocument("")
	}
	if p.ClientIdentity == "" {
		return m.render(m.say(MessageUnavailable))
	}

	dial := &Dial{
		Timeout:        m.DialTimeout,
		AnswerOnBridge: true,
		Client:         &Client{Identity: p.ClientIdentity},
	}
	if p.DialStatusURL != "" {
		dial.Action = p.DialStatusURL
		dial.Method = "POST"
	}
	return m.render(m.say(MessageHold), dial)
}

// DialStatusDocument closes an inbound call after its <Dial> finished.
func (m *VoiceMarkup) DialStatusDocument(dialCallStatus string) string {
	switch strings.ToLower(strings.TrimSpace(dialCallStatus)) {
	case "no-answer", "busy", "failed":
		return m.render(m.say(MessageNotConnected))
	case "completed":
		return m.render(m.say(MessageThankYou))
	default:
		return m.render(m.say(MessageCallEnded))
	}
}

// ErrorDocument is the fallback announcement; an empty message uses the default wording.
func (m *VoiceMarkup) ErrorDocument(message string) string {
	if strings.TrimSpace(message) == "" {
		message = MessageError
	}
	return m.render(m.say(message))
}

func (m *VoiceMarkup) say(text string) *Say {
	return &Say{Voice: m.Voice, Text: text}
}

func (m *VoiceMarkup) render(verbs ...any) string {
	output, err := xml.Marshal(&Response{Verbs: verbs})
	if err != nil {
		return fallbackErrorDocument
	}
	return xml.Header + string(output)
}

// ClientIdentityFromAddress extracts alice from "client:alice".
func ClientIdentityFromAddress(address string) (string, bool) {
	if !strings.HasPrefix(address, ClientAddressPrefix) {
		return "", false
	}
	identity := strings.TrimSpace(strings.TrimPrefix(address, ClientAddressPrefix))
	if identity == "" {
		return "", false
	}
	return identity, true
}
