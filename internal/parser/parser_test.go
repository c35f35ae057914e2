package parser

import (
	"encoding/base64"
	"testing"
)

func TestExtractOrderIDFromProgramData(t *testing.T) {
	programID := "DLNSrcProgram1111111111111111111111111111"

	orderID := make([]byte, 32)
	for i := range orderID {
		orderID[i] = byte(i + 1)
	}
	payload := append(make([]byte, 8), orderID...)
	encoded := base64.StdEncoding.EncodeToString(payload)

	logs := []string{
		"Program " + programID + " invoke [1]",
		"Program log: creating order",
		"Program data: " + encoded,
		"Program " + programID + " success",
	}

	id, raw, ok := extractOrderID(logs, programID)
	if !ok {
		t.Fatal("expected order id to be found")
	}
	if raw == nil {
		t.Fatal("expected raw payload to be captured")
	}
	for i, b := range id {
		if b != byte(i+1) {
			t.Fatalf("order id byte %d = %d, want %d", i, b, i+1)
		}
	}
}

func TestExtractOrderIDRejectsAllZero(t *testing.T) {
	programID := "DLNSrcProgram1111111111111111111111111111"
	payload := make([]byte, 40)
	encoded := base64.StdEncoding.EncodeToString(payload)

	logs := []string{
		"Program " + programID + " invoke [1]",
		"Program data: " + encoded,
		"Program " + programID + " success",
	}

	_, _, ok := extractOrderID(logs, programID)
	if ok {
		t.Fatal("expected all-zero order id to be rejected")
	}
}

func TestExtractOrderIDOutsideInvokeWindowIgnored(t *testing.T) {
	programID := "DLNSrcProgram1111111111111111111111111111"
	orderID := make([]byte, 32)
	for i := range orderID {
		orderID[i] = byte(i + 1)
	}
	payload := append(make([]byte, 8), orderID...)
	encoded := base64.StdEncoding.EncodeToString(payload)

	logs := []string{
		"Program data: " + encoded, // before any invoke marker
		"Program " + programID + " invoke [1]",
		"Program " + programID + " success",
	}

	_, _, ok := extractOrderID(logs, programID)
	if ok {
		t.Fatal("expected order id outside the invoke window to be ignored")
	}
}

func TestExtractOrderIDFromRegexFallback(t *testing.T) {
	programID := "DLNSrcProgram1111111111111111111111111111"
	hex64 := "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"[:64]

	logs := []string{
		"Program " + programID + " invoke [1]",
		"Program log: order_id: " + hex64,
		"Program " + programID + " success",
	}

	id, raw, ok := extractOrderID(logs, programID)
	if !ok {
		t.Fatal("expected regex fallback to find order id")
	}
	if raw != nil {
		t.Fatal("expected no raw payload on regex path")
	}
	if id[0] != 0x01 || id[31] != 0x20 {
		t.Fatalf("unexpected decoded order id: %x", id)
	}
}
