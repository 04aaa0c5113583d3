package envelope

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a DomainAction to its wire bytes. Field order is the
// struct's declared order, so encoding the same logical value always
// produces the same bytes (round-trip stability, §3).
func Encode(a *DomainAction) ([]byte, error) {
	if err := validate(a); err != nil {
		return nil, err
	}
	return json.Marshal(a)
}

// Decode parses wire bytes into a DomainAction and validates its shape.
// A non-nil error here is a poison-message condition: the caller must
// route the raw bytes to the dead-letter stream rather than retry.
func Decode(data []byte) (*DomainAction, error) {
	var a DomainAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := validate(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// EncodeResponse serializes a DomainActionResponse to its wire bytes.
func EncodeResponse(r *DomainActionResponse) ([]byte, error) {
	if r.Success && r.Error != nil {
		return nil, fmt.Errorf("encode response: success response must not carry an error payload")
	}
	if !r.Success && r.Error == nil {
		return nil, fmt.Errorf("encode response: failure response must carry an error payload")
	}
	return json.Marshal(r)
}

// DecodeResponse parses wire bytes into a DomainActionResponse.
func DecodeResponse(data []byte) (*DomainActionResponse, error) {
	var r DomainActionResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &r, nil
}

// validate enforces the envelope shape invariants from §3: required
// identity fields present, and exactly one of the three interaction modes.
func validate(a *DomainAction) error {
	if a.ActionID == "" {
		return fmt.Errorf("envelope: action_id is required")
	}
	if a.ActionType == "" {
		return fmt.Errorf("envelope: action_type is required")
	}
	if a.OriginService == "" {
		return fmt.Errorf("envelope: origin_service is required")
	}
	if a.TargetService == "" {
		return fmt.Errorf("envelope: target_service is required")
	}
	if a.TraceID == "" {
		return fmt.Errorf("envelope: trace_id is required")
	}
	if a.CallbackQueue == "" && a.CallbackAction != "" {
		return fmt.Errorf("envelope: callback_action_type set without callback_queue_name")
	}
	return nil
}
