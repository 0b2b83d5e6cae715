package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
)

type testPayload struct {
	StreamID      string `json:"stream_id" validate:"required,streamid"`
	RemoteAddress string `json:"remote_address" validate:"omitempty,ip"`
	RemotePort    int    `json:"remote_port" validate:"gte=0,lte=65535"`
}

func TestValidateStructSuccess(t *testing.T) {
	payload := testPayload{
		StreamID:      "stream-1.video",
		RemoteAddress: "10.0.0.5",
		RemotePort:    1935,
	}

	if err := ValidateStruct(payload); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStructFailures(t *testing.T) {
	payload := testPayload{
		StreamID:      "bad id with spaces",
		RemoteAddress: "not-an-ip",
		RemotePort:    70000,
	}

	err := ValidateStruct(payload)
	if err == nil {
		t.Fatal("expected validation error")
	}

	vErrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(vErrs) != 3 {
		t.Fatalf("expected 3 validation errors, got %d", len(vErrs))
	}

	foundStream := false
	for _, v := range vErrs {
		if v.Field == "stream_id" && v.Tag == "streamid" {
			foundStream = true
		}
	}

	if !foundStream {
		t.Fatal("expected stream_id field to be present in validation errors")
	}
}

func TestIsStreamID(t *testing.T) {
	if !IsStreamID("a1b2:c3_d4-e5.f6") {
		t.Fatal("expected identifier to be accepted")
	}
	if IsStreamID("") {
		t.Fatal("expected empty identifier to be rejected")
	}
	if IsStreamID("room/1") {
		t.Fatal("expected slash to be rejected")
	}
}

func TestRegisterValidation(t *testing.T) {
	err := RegisterValidation("scope", func(fl validator.FieldLevel) bool {
		return fl.Field().String() == "conference"
	})
	if err != nil {
		t.Fatalf("register validation: %v", err)
	}

	type custom struct {
		Value string `validate:"scope"`
	}

	if err := ValidateStruct(custom{Value: "conference"}); err != nil {
		t.Fatalf("expected validation to pass, got %v", err)
	}
	if err := ValidateStruct(custom{Value: "other"}); err == nil {
		t.Fatal("expected validation to fail for non-matching value")
	}
}
