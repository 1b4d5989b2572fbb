package model

import (
	"encoding/json"
	"fmt"
)

// AttachmentKind discriminates the attachment variants. A message without an attachment
// carries a nil *Attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment describes an uploaded file referenced by a message. Storage of the file
// itself happens elsewhere; only the descriptor travels through the router.
type Attachment struct {
	Kind AttachmentKind `json:"kind" validate:"required,oneof=image file"`
	URL  string         `json:"url" validate:"required,url"`
	Name string         `json:"name" validate:"max=255"`
	Size int64          `json:"size" validate:"gte=0"`
}

// UnmarshalJSON rejects unknown variants so loosely shaped payloads never reach storage.
func (a *Attachment) UnmarshalJSON(b []byte) error {
	type plain Attachment
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	switch p.Kind {
	case AttachmentImage, AttachmentFile:
	default:
		return fmt.Errorf("unknown attachment kind %q", p.Kind)
	}
	*a = Attachment(p)
	return nil
}

// IsImage reports whether the attachment is rendered inline.
func (a *Attachment) IsImage() bool {
	return a != nil && a.Kind == AttachmentImage
}
