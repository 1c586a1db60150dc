// ABOUTME: Document envelope: id, revision, typed payload, attachment stubs
// ABOUTME: JSON form is one flat object discriminated by @class

package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingID   = errors.New("document: missing id")
	ErrMissingBody = errors.New("document: missing body")
)

// Reserved JSON fields of the envelope
const (
	FieldID          = "_id"
	FieldRev         = "_rev"
	FieldClass       = "@class"
	FieldAttachments = "_attachments"
)

// Document is a stored document. Rev is empty until the document has been
// written once; the store assigns every later value.
type Document struct {
	ID          string
	Rev         string
	Body        Payload
	Attachments map[string]AttachmentStub
}

// New creates an unsaved document
func New(id string, body Payload) *Document {
	return &Document{ID: id, Body: body}
}

// Kind returns the payload kind
func (d *Document) Kind() Kind {
	if d.Body == nil {
		return KindGeneric
	}
	return d.Body.Kind()
}

// Class returns the @class discriminator
func (d *Document) Class() string {
	if g, ok := d.Body.(*Generic); ok && g.Class != "" {
		return g.Class
	}
	return d.Kind().String()
}

// Validate checks the fields every stored document needs
func (d *Document) Validate() error {
	if d.ID == "" {
		return ErrMissingID
	}
	if d.Body == nil {
		return fmt.Errorf("%w: %s", ErrMissingBody, d.ID)
	}
	return nil
}

// Clone returns a deep copy
func (d *Document) Clone() (*Document, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var c Document
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

type envelope struct {
	ID          string                    `json:"_id"`
	Rev         string                    `json:"_rev,omitempty"`
	Class       string                    `json:"@class"`
	Attachments map[string]AttachmentStub `json:"_attachments,omitempty"`
}

func (d *Document) MarshalJSON() ([]byte, error) {
	env, err := json.Marshal(envelope{
		ID:          d.ID,
		Rev:         d.Rev,
		Class:       d.Class(),
		Attachments: d.Attachments,
	})
	if err != nil {
		return nil, err
	}
	if d.Body == nil {
		return env, nil
	}

	body, err := json.Marshal(d.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", d.ID, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("marshal %s body: not a JSON object", d.ID)
	}
	if len(bytes.TrimSpace(body[1:len(body)-1])) == 0 {
		return env, nil
	}

	// splice the payload fields into the envelope object
	out := make([]byte, 0, len(env)+len(body))
	out = append(out, env[:len(env)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	kind := KindFromClass(env.Class)
	body := newPayload(kind)
	if err := json.Unmarshal(data, body); err != nil {
		return fmt.Errorf("unmarshal %s body (%s): %w", env.ID, env.Class, err)
	}
	if g, ok := body.(*Generic); ok {
		g.Class = env.Class
		for _, f := range []string{FieldID, FieldRev, FieldClass, FieldAttachments} {
			delete(g.Fields, f)
		}
	}

	d.ID = env.ID
	d.Rev = env.Rev
	d.Body = body
	d.Attachments = env.Attachments
	return nil
}
