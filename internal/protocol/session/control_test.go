package session

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/procbus/internal/testutil/testlog"
)

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Hello{Process: "com.example.app", Target: "com.example.app:b", Token: "s3cret"}
	var buf bytes.Buffer
	if err := WriteHello(&buf, in); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	got, err := ReadHello(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if got != in {
		t.Fatalf("unexpected hello: %+v", got)
	}
}

func TestHelloAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	ack := HelloAck{
		Status:      AckStatusRejected,
		Code:        CodeTargetMismatch,
		Message:     "target mismatch",
		Process:     "com.example.app:b",
		TimestampMS: 1700000000000,
	}
	var buf bytes.Buffer
	if err := WriteHelloAck(&buf, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	got, err := ReadHelloAck(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if got.Accepted() || got.Code != CodeTargetMismatch || got.Process != "com.example.app:b" {
		t.Fatalf("unexpected ack: %+v", got)
	}
}

func TestHelloValidation(t *testing.T) {
	testlog.Start(t)
	if err := WriteHello(&bytes.Buffer{}, Hello{Target: "b"}); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello for missing process, got %v", err)
	}
	if err := WriteHelloAck(&bytes.Buffer{}, HelloAck{Status: "maybe", Process: "b", TimestampMS: 1}); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected ErrInvalidHelloAck for bad status, got %v", err)
	}
}

func TestReadHelloRejectsWrongControlType(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteHelloAck(&buf, HelloAck{Status: AckStatusAccepted, Process: "a", TimestampMS: 1}); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	if _, err := ReadHello(bufio.NewReader(&buf)); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
}

func TestReadControlLineTooLarge(t *testing.T) {
	testlog.Start(t)
	line := `{"type":"hello","hello":{"process":"` + strings.Repeat("a", maxControlLine) + `","target":"b"}}` + "\n"
	_, err := ReadHello(bufio.NewReader(strings.NewReader(line)))
	if !errors.Is(err, ErrControlMessageTooLarge) {
		t.Fatalf("expected ErrControlMessageTooLarge, got %v", err)
	}
}

func TestReadControlLineMalformedJSON(t *testing.T) {
	testlog.Start(t)
	if _, err := ReadHello(bufio.NewReader(strings.NewReader("not json\n"))); err == nil {
		t.Fatalf("expected decode error")
	}
}
