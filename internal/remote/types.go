package remote

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ItemType is the node type reported by the device.
type ItemType string

const (
	CollectionType ItemType = "CollectionType"
	DocumentType   ItemType = "DocumentType"
)

// UploadSuccess is the status the device answers with when an upload was stored.
const UploadSuccess = "Upload successful"

// Item is one entry of a documents listing.
type Item struct {
	ID          string
	VisibleName string
	Type        ItemType
	SizeInBytes int64
	ModTime     time.Time
}

// UnmarshalJSON accepts the device's spelling ("VissibleName") as well as the
// corrected one, and sizes encoded either as numbers or as strings.
func (it *Item) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID             string   `json:"ID"`
		VissibleName   *string  `json:"VissibleName"`
		VisibleName    *string  `json:"VisibleName"`
		Type           ItemType `json:"Type"`
		SizeInBytes    Size     `json:"sizeInBytes"`
		ModifiedClient string   `json:"ModifiedClient"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	it.ID = wire.ID
	it.Type = wire.Type
	it.SizeInBytes = int64(wire.SizeInBytes)
	it.VisibleName = ""
	switch {
	case wire.VissibleName != nil:
		it.VisibleName = *wire.VissibleName
	case wire.VisibleName != nil:
		it.VisibleName = *wire.VisibleName
	}

	it.ModTime = time.Time{}
	if wire.ModifiedClient != "" {
		if t, err := time.Parse(time.RFC3339Nano, wire.ModifiedClient); err == nil {
			it.ModTime = t
		}
	}
	return nil
}

// Size is a byte count the device may encode as a JSON number or string.
type Size int64

func (s *Size) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = 0
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*s = 0
			return nil
		}
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid size %q", raw)
	}
	if n < 0 {
		return errors.Errorf("invalid size %d", n)
	}
	*s = Size(n)
	return nil
}

// UploadResponse is the decoded JSON answer to an upload. Either field may be
// absent; interpreting the combination is up to the caller.
type UploadResponse struct {
	Status *string `json:"status"`
	Error  *string `json:"error"`
}

// Download is an open download session. Body must be closed by the caller.
type Download struct {
	Body io.ReadCloser
	Size int64
}

// Seeker returns the body as a seekable stream if the transport supports
// random access for this download.
func (d *Download) Seeker() (io.ReadSeeker, bool) {
	rs, ok := d.Body.(io.ReadSeeker)
	return rs, ok
}
