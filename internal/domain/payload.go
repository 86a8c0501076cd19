package domain

import (
	"encoding/json"
	"strings"
)

// Payload is the typed content of an outbound message. Each variant carries
// exactly the fields its message kind needs.
type Payload interface {
	Type() MessageType
	isPayload()
}

// TextPayload is a plain text message.
type TextPayload struct {
	Body string `json:"body"`
}

// MediaPayload is an image, audio, video or document attachment.
type MediaPayload struct {
	Kind     MessageType `json:"kind"`
	URL      string      `json:"url"`
	Caption  string      `json:"caption,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
}

// ListRow is one selectable row of an interactive list.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups list rows under a title.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// ListPayload is an interactive list message.
type ListPayload struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	ButtonText  string        `json:"buttonText"`
	FooterText  string        `json:"footerText,omitempty"`
	Sections    []ListSection `json:"sections"`
}

// Button is one reply button.
type Button struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ButtonsPayload is an interactive reply-buttons message.
type ButtonsPayload struct {
	Text       string   `json:"text"`
	Buttons    []Button `json:"buttons"`
	FooterText string   `json:"footerText,omitempty"`
}

// LocationPayload is a geographic pin.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ContactPayload is a shared contact card.
type ContactPayload struct {
	DisplayName string `json:"displayName"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	VCard       string `json:"vcard,omitempty"`
}

func (TextPayload) Type() MessageType     { return MessageTypeText }
func (p MediaPayload) Type() MessageType  { return p.Kind }
func (ListPayload) Type() MessageType     { return MessageTypeList }
func (ButtonsPayload) Type() MessageType  { return MessageTypeButtons }
func (LocationPayload) Type() MessageType { return MessageTypeLocation }
func (ContactPayload) Type() MessageType  { return MessageTypeContact }

func (TextPayload) isPayload()     {}
func (MediaPayload) isPayload()    {}
func (ListPayload) isPayload()     {}
func (ButtonsPayload) isPayload()  {}
func (LocationPayload) isPayload() {}
func (ContactPayload) isPayload()  {}

// BuildPayload validates req and returns the payload variant for its type.
func BuildPayload(req *DispatchRequest) (Payload, error) {
	switch {
	case req.Type == MessageTypeText:
		return TextPayload{Body: req.Content}, nil

	case req.Type.IsMedia():
		if strings.TrimSpace(req.MediaURL) == "" {
			return nil, NewValidationError("media_url", "is required for "+string(req.Type)+" messages")
		}
		caption := req.Caption
		if caption == "" {
			caption = req.Content
		}
		return MediaPayload{
			Kind:     req.Type,
			URL:      req.MediaURL,
			Caption:  caption,
			FileName: req.FileName,
			MimeType: req.MimeType,
		}, nil

	case req.Type == MessageTypeList:
		var p ListPayload
		if err := decodeInteractive(req.InteractiveData, &p); err != nil {
			return nil, err
		}
		if p.ButtonText == "" || len(p.Sections) == 0 {
			return nil, NewValidationError("interactive_data", "list requires buttonText and at least one section")
		}
		for _, s := range p.Sections {
			if len(s.Rows) == 0 {
				return nil, NewValidationError("interactive_data", "list sections require at least one row")
			}
		}
		if p.Title == "" {
			p.Title = req.Content
		}
		return p, nil

	case req.Type == MessageTypeButtons:
		var p ButtonsPayload
		if err := decodeInteractive(req.InteractiveData, &p); err != nil {
			return nil, err
		}
		if len(p.Buttons) == 0 || len(p.Buttons) > 3 {
			return nil, NewValidationError("interactive_data", "buttons requires between 1 and 3 buttons")
		}
		if p.Text == "" {
			p.Text = req.Content
		}
		return p, nil

	case req.Type == MessageTypeLocation:
		var p LocationPayload
		if err := decodeInteractive(req.InteractiveData, &p); err != nil {
			return nil, err
		}
		if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
			return nil, NewValidationError("interactive_data", "location coordinates out of range")
		}
		return p, nil

	case req.Type == MessageTypeContact:
		var p ContactPayload
		if err := decodeInteractive(req.InteractiveData, &p); err != nil {
			return nil, err
		}
		if p.DisplayName == "" || (p.PhoneNumber == "" && p.VCard == "") {
			return nil, NewValidationError("interactive_data", "contact requires displayName and a phoneNumber or vcard")
		}
		return p, nil
	}

	return nil, NewValidationError("type", "unsupported message type "+string(req.Type))
}

func decodeInteractive(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return NewValidationError("interactive_data", "is required for this message type")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return NewValidationError("interactive_data", "malformed: "+err.Error())
	}
	return nil
}
