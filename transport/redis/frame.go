package redis

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/courier/attachment"
)

// Frames on the wire reuse the attachment byte-pair codec: a frame is an
// ordered set of key/value pairs, so the transport has no second encoding
// to keep wire-stable.
const (
	frameKindSample   = "smp"
	frameKindQuery    = "qry"
	frameKindReplyOk  = "rep"
	frameKindReplyErr = "err"
	frameKindDone     = "done"
)

// Frame field keys.
const (
	fieldKind       = "t"
	fieldQueryID    = "id"
	fieldKeyExpr    = "ke"
	fieldParameters = "pr"
	fieldPayload    = "pl"
	fieldAttachment = "at"
	fieldReplyTo    = "rt"
	fieldError      = "em"
)

// ErrBadFrame is returned when an arriving message is not a valid frame.
var ErrBadFrame = errors.New("redis: bad frame")

type frame struct {
	kind       string
	queryID    string
	keyExpr    string
	parameters string
	payload    []byte
	attachment []byte // nil when the original attachment was absent
	replyTo    string
	errMsg     string
}

// encode serializes the frame. Absent attachment encodes as no "at" pair at
// all, preserving the absent/empty distinction across the wire.
func (f frame) encode() []byte {
	b := attachment.NewBuilder().AddString(fieldKind, f.kind)
	if f.queryID != "" {
		b.AddString(fieldQueryID, f.queryID)
	}
	if f.keyExpr != "" {
		b.AddString(fieldKeyExpr, f.keyExpr)
	}
	if f.parameters != "" {
		b.AddString(fieldParameters, f.parameters)
	}
	if f.payload != nil {
		b.Add([]byte(fieldPayload), f.payload)
	}
	if f.attachment != nil {
		b.Add([]byte(fieldAttachment), f.attachment)
	}
	if f.replyTo != "" {
		b.AddString(fieldReplyTo, f.replyTo)
	}
	if f.errMsg != "" {
		b.AddString(fieldError, f.errMsg)
	}
	return b.Build().Bytes()
}

// decodeFrame parses a frame from raw message bytes. The returned frame's
// byte fields alias data.
func decodeFrame(data []byte) (frame, error) {
	var f frame
	err := attachment.FromBytes(data).Range(func(p attachment.Pair) error {
		switch string(p.Key) {
		case fieldKind:
			f.kind = string(p.Value)
		case fieldQueryID:
			f.queryID = string(p.Value)
		case fieldKeyExpr:
			f.keyExpr = string(p.Value)
		case fieldParameters:
			f.parameters = string(p.Value)
		case fieldPayload:
			f.payload = p.Value
		case fieldAttachment:
			// Present but possibly empty; keep non-nil either way.
			if p.Value == nil {
				f.attachment = []byte{}
			} else {
				f.attachment = p.Value
			}
		case fieldReplyTo:
			f.replyTo = string(p.Value)
		case fieldError:
			f.errMsg = string(p.Value)
		}
		return nil
	})
	if err != nil {
		return frame{}, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	if f.kind == "" {
		return frame{}, fmt.Errorf("%w: missing kind", ErrBadFrame)
	}
	return f, nil
}
