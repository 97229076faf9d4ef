package collab

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/blake3"
)

var emptyBody = json.RawMessage(`{}`)

// Document is one collaborative workbook attached to an external
// resource. Body is opaque to the store apart from schema validation and
// export.
type Document struct {
	WorkspaceID string          `json:"workspaceId,omitempty"`
	ResourceID  string          `json:"resourceId"`
	Body        json.RawMessage `json:"body"`
	Version     int64           `json:"version"`
	WriterID    string          `json:"writerId,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Checksum    string          `json:"checksum"`
}

func newDefaultDocument(workspaceID, resourceID string, now time.Time) Document {
	body := append(json.RawMessage(nil), emptyBody...)
	return Document{
		WorkspaceID: workspaceID,
		ResourceID:  resourceID,
		Body:        body,
		Version:     1,
		UpdatedAt:   now,
		Checksum:    bodyChecksum(body),
	}
}

func (d Document) clone() Document {
	d.Body = append(json.RawMessage(nil), d.Body...)
	return d
}

func (d Document) notice() DocumentNotice {
	return DocumentNotice{
		ResourceID: d.ResourceID,
		Version:    d.Version,
		WriterID:   d.WriterID,
		Checksum:   d.Checksum,
	}
}

func bodyChecksum(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}
