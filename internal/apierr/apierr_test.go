package apierr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestValidationErrorsCarryItems(t *testing.T) {
	var v ValidationErrors
	if v.Err() != nil {
		t.Fatalf("expected nil error for empty set")
	}
	v.Add("name", CodeRequired, "field is required")
	err := v.Err()
	e, ok := As(err)
	if !ok || e.Kind != KindValidation || e.Errno != EINVAL {
		t.Fatalf("expected validation error, got %#v", err)
	}
	items, ok := e.Extra.([]ValidationItem)
	if !ok || len(items) != 1 || items[0].Field != "name" || items[0].Code != CodeRequired {
		t.Fatalf("unexpected extra %#v", e.Extra)
	}
}

func TestExtendPrefixesFields(t *testing.T) {
	var inner ValidationErrors
	inner.Add("name", CodeRequired, "")
	inner.Add("", CodeInvalidType, "")
	var outer ValidationErrors
	outer.Extend("group_create", inner)
	if outer[0].Field != "group_create.name" || outer[1].Field != "group_create" {
		t.Fatalf("unexpected fields %#v", outer)
	}
}

func TestFromMapsContextErrors(t *testing.T) {
	if e := From(fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ""); e.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %s", e.Kind)
	}
	if e := From(context.Canceled, ""); e.Kind != KindCancelled {
		t.Fatalf("expected cancelled, got %s", e.Kind)
	}
	boom := errors.New("boom")
	e := From(boom, "cid-1")
	if e.Kind != KindInternal || e.CorrelationID != "cid-1" || !errors.Is(e, boom) {
		t.Fatalf("expected internal wrapping cause, got %#v", e)
	}
}

func TestInternalWireHidesCause(t *testing.T) {
	w := Internal(errors.New("secret detail"), "abc").ToWire()
	if w.Type != "Internal" || w.Message != "internal error (id abc)" {
		t.Fatalf("unexpected wire %#v", w)
	}
}

func TestCancelledWireIsTimeout(t *testing.T) {
	w := Cancelled("job aborted").ToWire()
	if w.Type != "Timeout" || w.Errno != ECANCELED {
		t.Fatalf("unexpected wire %#v", w)
	}
}

func TestNotAuthorizedIsOpaque(t *testing.T) {
	if NotAuthorized().Message != NotAuthorized().Message {
		t.Fatalf("messages differ")
	}
	if NotAuthorized().ToWire().Message != NotAuthorizedMessage {
		t.Fatalf("unexpected message")
	}
}
