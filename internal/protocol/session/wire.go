package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/procbus/internal/protocol/frame"
	"github.com/danmuck/procbus/internal/protocol/schema"
	"github.com/danmuck/procbus/internal/protocol/tlv"
	"github.com/danmuck/procbus/internal/route"
)

// RouteRequest is a route.Request as carried between processes.
type RouteRequest struct {
	Source  route.ProcessName
	Target  route.ProcessName
	Path    string
	Payload route.Payload
}

func (r RouteRequest) Request() route.Request {
	return route.Request{Target: r.Target, Path: r.Path, Payload: r.Payload}
}

// Publish is one event pushed to a remote process bus.
type Publish struct {
	Source  route.ProcessName
	Key     string
	Payload route.Payload
}

// PublishAck reports how many local observers the remote bus reached.
type PublishAck struct {
	Key       string
	Delivered uint32
}

func EncodeRouteRequest(messageID uint64, req RouteRequest) (frame.Frame, error) {
	if strings.TrimSpace(req.Path) == "" {
		return frame.Frame{}, fmt.Errorf("session: route request missing path")
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldTarget, req.Target.String()),
		tlv.String(schema.FieldPath, req.Path),
		tlv.String(schema.FieldSource, req.Source.String()),
	}
	fields, err := appendPayload(fields, req.Payload)
	if err != nil {
		return frame.Frame{}, err
	}
	return buildFrame(schema.MsgRouteRequest, messageID, 0, fields)
}

func DecodeRouteRequest(f frame.Frame) (RouteRequest, error) {
	fields, err := decodeFields(schema.MsgRouteRequest, f)
	if err != nil {
		return RouteRequest{}, err
	}
	target, _ := tlv.StringField(fields, schema.FieldTarget)
	path, _ := tlv.StringField(fields, schema.FieldPath)
	source, _ := tlv.StringField(fields, schema.FieldSource)
	payload, err := readPayload(fields)
	if err != nil {
		return RouteRequest{}, err
	}
	return RouteRequest{
		Source:  route.ProcessName(source),
		Target:  route.ProcessName(target),
		Path:    path,
		Payload: payload,
	}, nil
}

// EncodeRouteResponse answers messageID. An empty status is omitted.
func EncodeRouteResponse(messageID uint64, resp route.Response) (frame.Frame, error) {
	fields := []tlv.Field{tlv.U64(schema.FieldTimestampMS, uint64(time.Now().UnixMilli()))}
	if resp.Status != "" {
		fields = append(fields, tlv.String(schema.FieldStatus, resp.Status))
	}
	fields, err := appendPayload(fields, resp.Payload)
	if err != nil {
		return frame.Frame{}, err
	}
	return buildFrame(schema.MsgRouteResponse, messageID, frame.FlagIsResponse, fields)
}

func DecodeRouteResponse(f frame.Frame) (route.Response, error) {
	fields, err := decodeFields(schema.MsgRouteResponse, f)
	if err != nil {
		return route.Response{}, err
	}
	status, _ := tlv.StringField(fields, schema.FieldStatus)
	payload, err := readPayload(fields)
	if err != nil {
		return route.Response{}, err
	}
	return route.Response{Status: status, Payload: payload}, nil
}

func EncodePublish(messageID uint64, p Publish) (frame.Frame, error) {
	if strings.TrimSpace(p.Key) == "" {
		return frame.Frame{}, fmt.Errorf("session: publish missing key")
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldKey, p.Key),
		tlv.String(schema.FieldSource, p.Source.String()),
	}
	fields, err := appendPayload(fields, p.Payload)
	if err != nil {
		return frame.Frame{}, err
	}
	return buildFrame(schema.MsgPublish, messageID, 0, fields)
}

func DecodePublish(f frame.Frame) (Publish, error) {
	fields, err := decodeFields(schema.MsgPublish, f)
	if err != nil {
		return Publish{}, err
	}
	key, _ := tlv.StringField(fields, schema.FieldKey)
	source, _ := tlv.StringField(fields, schema.FieldSource)
	payload, err := readPayload(fields)
	if err != nil {
		return Publish{}, err
	}
	return Publish{Source: route.ProcessName(source), Key: key, Payload: payload}, nil
}

func EncodePublishAck(messageID uint64, ack PublishAck) (frame.Frame, error) {
	fields := []tlv.Field{
		tlv.String(schema.FieldKey, ack.Key),
		tlv.U32(schema.FieldDelivered, ack.Delivered),
	}
	return buildFrame(schema.MsgPublishAck, messageID, frame.FlagIsResponse, fields)
}

func DecodePublishAck(f frame.Frame) (PublishAck, error) {
	fields, err := decodeFields(schema.MsgPublishAck, f)
	if err != nil {
		return PublishAck{}, err
	}
	key, _ := tlv.StringField(fields, schema.FieldKey)
	deliveredField, _ := tlv.GetField(fields, schema.FieldDelivered)
	delivered, err := tlv.U32FromBytes(deliveredField.Value)
	if err != nil {
		return PublishAck{}, err
	}
	return PublishAck{Key: key, Delivered: delivered}, nil
}

func buildFrame(messageType uint32, messageID uint64, flags uint32, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header:  frame.NewHeader(messageType, messageID, flags),
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func decodeFields(messageType uint32, f frame.Frame) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf(
			"session: unexpected message %s, want %s",
			schema.MessageName(f.Header.MessageType),
			schema.MessageName(messageType),
		)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Payloads travel as JSON. The receiver sees JSON's value model: numbers as
// float64, objects as map[string]any and arrays as []any.
func appendPayload(fields []tlv.Field, payload route.Payload) ([]tlv.Field, error) {
	if payload == nil {
		return fields, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("session: encode payload: %w", err)
	}
	return append(fields, tlv.Bytes(schema.FieldPayload, raw)), nil
}

func readPayload(fields []tlv.Field) (route.Payload, error) {
	f, ok := tlv.GetField(fields, schema.FieldPayload)
	if !ok {
		return nil, nil
	}
	var payload route.Payload
	if err := json.Unmarshal(f.Value, &payload); err != nil {
		return nil, fmt.Errorf("session: decode payload: %w", err)
	}
	return payload, nil
}
