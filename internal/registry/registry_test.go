package registry

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"pkt.systems/middlewared/internal/apierr"
)

func params(t *testing.T, raw string) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("params: %v", err)
	}
	return out
}

func noop(context.Context, *Call) (any, error) { return nil, nil }

var groupEntry = Object(
	F("name", Str().NonEmpty().MaxLength(32)).Required(),
	F("gid", Int().Min(0)),
	F("smb", Bool()).Default(true),
	F("users", List(Int())).Default([]any{}),
)

func validationItems(t *testing.T, err error) []apierr.ValidationItem {
	t.Helper()
	e, ok := apierr.As(err)
	if !ok || e.Kind != apierr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	return e.Extra.([]apierr.ValidationItem)
}

func TestValidateEmptyNameIsRequired(t *testing.T) {
	m := &Method{Name: "group.create", Args: []Field{F("data", groupEntry)}, Handler: noop}
	_, err := m.Validate(params(t, `[{"name":""}]`))
	items := validationItems(t, err)
	if len(items) != 1 || items[0].Field != "name" || items[0].Code != apierr.CodeRequired {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestValidateAppliesDefaultsAndTypes(t *testing.T) {
	m := &Method{Name: "group.create", Args: []Field{F("data", groupEntry)}, Handler: noop}
	args, err := m.Validate(params(t, `[{"name":"wheel","gid":0}]`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	got := args[0].(map[string]any)
	want := map[string]any{"name": "wheel", "gid": int64(0), "smb": true, "users": []any{}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestValidateReportsEveryField(t *testing.T) {
	m := &Method{Name: "group.create", Args: []Field{F("data", groupEntry)}, Handler: noop}
	_, err := m.Validate(params(t, `[{"gid":-1,"users":[1,"x"],"bogus":1}]`))
	items := validationItems(t, err)
	codes := map[string]string{}
	for _, item := range items {
		codes[item.Field] = item.Code
	}
	want := map[string]string{
		"bogus":   apierr.CodeUnexpected,
		"name":    apierr.CodeRequired,
		"gid":     apierr.CodeMinimum,
		"users.1": apierr.CodeInvalidType,
	}
	if !reflect.DeepEqual(codes, want) {
		t.Fatalf("expected %v, got %v", want, codes)
	}
}

func TestForUpdateKeepsAbsentFieldsUndefined(t *testing.T) {
	m := &Method{Name: "group.update", Args: []Field{F("id", Int()).Required(), F("data", groupEntry.ForUpdate())}, Handler: noop}
	args, err := m.Validate(params(t, `[5, {"gid": 10}]`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	data := args[1].(map[string]any)
	if IsSet(data["name"]) || IsSet(data["smb"]) {
		t.Fatalf("expected absent fields to be Undefined, got %v", data)
	}
	changed := Changed(data)
	if !reflect.DeepEqual(changed, map[string]any{"gid": int64(10)}) {
		t.Fatalf("unexpected changed set %v", changed)
	}
	if out := m.Serialize(data, true).(map[string]any); len(out) != 1 {
		t.Fatalf("expected serializer to prune sentinels, got %v", out)
	}
}

func TestMissingPositionalArgs(t *testing.T) {
	m := &Method{Name: "core.job_wait", Args: []Field{F("id", Int()).Required()}, Handler: noop}
	items := validationItems(t, func() error { _, err := m.Validate(nil); return err }())
	if items[0].Field != "id" || items[0].Code != apierr.CodeRequired {
		t.Fatalf("unexpected items %+v", items)
	}
	_, err := m.Validate(params(t, `[1, 2]`))
	items = validationItems(t, err)
	if items[0].Code != apierr.CodeUnexpected {
		t.Fatalf("expected unexpected extra argument, got %+v", items)
	}
}

func TestMaskNestedPrivateFields(t *testing.T) {
	result := Object(
		F("username", Str()),
		F("password", Str()).Private(),
		F("keys", List(Object(F("name", Str()), F("secret", Str()).Private()))),
	)
	m := &Method{Name: "user.query", Result: List(result), Handler: noop}
	rows := []any{map[string]any{
		"username": "alice",
		"password": "hash",
		"keys":     []any{map[string]any{"name": "ci", "secret": "s3cr3t"}},
	}}
	masked := m.Serialize(rows, false).([]any)[0].(map[string]any)
	if masked["password"] != MaskedValue {
		t.Fatalf("expected masked password, got %v", masked["password"])
	}
	key := masked["keys"].([]any)[0].(map[string]any)
	if key["secret"] != MaskedValue || key["name"] != "ci" {
		t.Fatalf("expected nested secret masked, got %v", key)
	}
	full := m.Serialize(rows, true).([]any)[0].(map[string]any)
	if full["password"] != "hash" {
		t.Fatalf("expected full privilege to see password")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := New()
	if err := r.Register(&Method{Name: "system.version", Handler: noop}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&Method{Name: "system.version", Handler: noop}); err == nil {
		t.Fatalf("expected duplicate rejection")
	}
	if err := r.Register(&Method{Name: "broken", Handler: noop}); err == nil {
		t.Fatalf("expected bad name rejection")
	}
	if err := r.Register(&Method{Name: "core.nohandler"}); err == nil {
		t.Fatalf("expected missing handler rejection")
	}
	if _, ok := r.Lookup("system.version"); !ok {
		t.Fatalf("expected lookup to succeed")
	}
}

func TestValidateValuesFromGo(t *testing.T) {
	m := &Method{Name: "alert.oneshot_create", Args: []Field{F("klass", Str()).Required(), F("args", Any())}, Handler: noop}
	args, err := m.ValidateValues([]any{"SmbShareLocked", map[string]any{"id": 17}})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if args[1].(map[string]any)["id"] != int64(17) {
		t.Fatalf("expected normalized int64, got %#v", args[1])
	}
}
