package formkeeper

import (
	"errors"
	"strings"
	"time"

	"github.com/hazyhaar/formsafe/field"
	"github.com/hazyhaar/formsafe/formkeeper/internal/restore"
)

// MessageType names a request a controller can send to a page.
type MessageType string

const (
	MsgPing    MessageType = "PING"
	MsgRestore MessageType = "RESTORE"
	MsgClear   MessageType = "CLEAR"
	MsgStatus  MessageType = "STATUS"
)

// ErrUnknownMessage is returned by Handle for an unrecognised type.
var ErrUnknownMessage = errors.New("formkeeper: unknown message type")

// Message is a request from a controller.
type Message struct {
	Type MessageType `json:"type"`
}

// ParseMessageType accepts any letter case.
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case MsgPing, MsgRestore, MsgClear, MsgStatus:
		return t, nil
	}
	return "", ErrUnknownMessage
}

// Response is the reply to a Message. PING fills OK and Page, RESTORE fills
// OK, Reason and Missing. The remaining fields belong to STATUS and to
// restore diagnostics.
type Response struct {
	OK        bool            `json:"ok"`
	Page      field.PageKey   `json:"page,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Missing   int             `json:"missing,omitempty"`
	RestoreID string          `json:"restore_id,omitempty"`
	Matches   []restore.Match `json:"matches,omitempty"`

	Fields     int               `json:"fields,omitempty"`
	Pending    int               `json:"pending,omitempty"`
	Unresolved []field.StableKey `json:"unresolved,omitempty"`
	UpdatedAt  *time.Time        `json:"updated_at,omitempty"`
}
