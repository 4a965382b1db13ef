package schema

import (
	"fmt"

	"github.com/danmuck/procbus/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgRouteRequest  uint32 = 1
	MsgRouteResponse uint32 = 2
	MsgPublish       uint32 = 3
	MsgPublishAck    uint32 = 4
)

// Field IDs.
const (
	FieldTarget      uint16 = 1
	FieldPath        uint16 = 2
	FieldPayload     uint16 = 3
	FieldStatus      uint16 = 4
	FieldKey         uint16 = 5
	FieldSource      uint16 = 6
	FieldTimestampMS uint16 = 7
	FieldDelivered   uint16 = 8
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

// Optional fields (route response status and payload) are type-checked when
// present, never required.
var requirements = map[uint32][]Requirement{
	MsgRouteRequest: {
		{FieldTarget, tlv.TypeString},
		{FieldPath, tlv.TypeString},
		{FieldSource, tlv.TypeString},
	},
	MsgRouteResponse: {
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgPublish: {
		{FieldKey, tlv.TypeString},
		{FieldSource, tlv.TypeString},
	},
	MsgPublishAck: {
		{FieldKey, tlv.TypeString},
		{FieldDelivered, tlv.TypeU32},
	},
}

var optional = map[uint16]uint8{
	FieldPayload: tlv.TypeBytes,
	FieldStatus:  tlv.TypeString,
}

func MessageName(messageType uint32) string {
	switch messageType {
	case MsgRouteRequest:
		return "route.request"
	case MsgRouteResponse:
		return "route.response"
	case MsgPublish:
		return "publish"
	case MsgPublishAck:
		return "publish.ack"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and the types of known optional fields.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, f := range fields {
		if want, ok := optional[f.ID]; ok && f.Type != want {
			return ValidationError{MessageType: messageType, FieldID: f.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
