package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Query identifies the person a doublet is searched for. Names are required
// and at least one of Email, Mobile or Landline must be set; the filter
// builder enforces both before any request is made.
type Query struct {
	FirstName string
	LastName  string
	Email     string
	Mobile    string
	Landline  string
}

// HasContactDetail reports whether any of email, mobile or landline is set.
func (q Query) HasContactDetail() bool {
	return q.Email != "" || q.Mobile != "" || q.Landline != ""
}

// Field is a named fixed or custom field on a CRM record.
type Field struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Contact is a CRM contact as returned by the search endpoints. Raw keeps the
// record exactly as received and is what MarshalJSON emits.
type Contact struct {
	ID           string
	AccountID    string
	B2C          bool
	UpdatedAt    Timestamp
	FixedFields  []Field
	CustomFields []Field
	Raw          json.RawMessage
}

type contactWire struct {
	ID      string `json:"id"`
	B2C     bool   `json:"b2c"`
	Account struct {
		ID string `json:"id"`
	} `json:"account"`
	FixedFields  []Field   `json:"fixed_fields"`
	CustomFields []Field   `json:"custom_fields"`
	UpdatedAt    Timestamp `json:"updated_at"`
}

func (c *Contact) UnmarshalJSON(data []byte) error {
	var w contactWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return fmt.Errorf("contact without id")
	}
	*c = Contact{
		ID:           w.ID,
		AccountID:    w.Account.ID,
		B2C:          w.B2C,
		UpdatedAt:    w.UpdatedAt,
		FixedFields:  w.FixedFields,
		CustomFields: w.CustomFields,
		Raw:          append(json.RawMessage(nil), data...),
	}
	return nil
}

func (c Contact) MarshalJSON() ([]byte, error) {
	if len(c.Raw) > 0 {
		return c.Raw, nil
	}
	var w contactWire
	w.ID = c.ID
	w.B2C = c.B2C
	w.Account.ID = c.AccountID
	w.FixedFields = c.FixedFields
	w.CustomFields = c.CustomFields
	w.UpdatedAt = c.UpdatedAt
	return json.Marshal(w)
}

// CustomField returns the value of the named custom field.
func (c Contact) CustomField(name string) (any, bool) {
	for _, f := range c.CustomFields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Case is a support case linked to a contact. Only its freshness matters here.
type Case struct {
	ID        string    `json:"id"`
	UpdatedAt Timestamp `json:"updated_at"`
}

// Timestamp decodes the backend's updated_at values. RFC 3339 is the current
// format; older records carry "2006-01-02 15:04:05" in UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses any of the accepted layouts.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
