package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/procbus/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "com.example.app:remote"),
		Bytes(9999, []byte{0xAA, 0xBB}), // unknown field id
		U64(7, 1700000000000),
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
	v, err := U64FromBytes(out[2].Value)
	if err != nil || v != 1700000000000 {
		t.Fatalf("u64 round trip: v=%d err=%v", v, err)
	}
	if s, ok := StringField(out, 1); !ok || s != "com.example.app:remote" {
		t.Fatalf("string field: %q ok=%v", s, ok)
	}
	if _, ok := StringField(out, 9999); ok {
		t.Fatalf("bytes field must not read as string")
	}
}

func TestFixedWidthHelpers(t *testing.T) {
	testlog.Start(t)
	if v, err := U32FromBytes(U32(1, 1003).Value); err != nil || v != 1003 {
		t.Fatalf("u32: v=%d err=%v", v, err)
	}
	if _, err := U32FromBytes([]byte{1}); err == nil {
		t.Fatalf("expected u32 length error")
	}
	if Bool(1, true).Value[0] != 1 || Bool(1, false).Value[0] != 0 {
		t.Fatalf("bool encoding")
	}
	if err := MustType(String(1, "x"), TypeBytes); err == nil {
		t.Fatalf("expected type mismatch")
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
