package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"

	"consoled/server/internal/idempotency"
	"consoled/server/internal/model"
	"consoled/server/internal/procman"
)

func echoHandler(name string, mutating bool) Handler {
	return NewHandler(Definition{Name: name, Mutating: mutating}, func(_ context.Context, args json.RawMessage) (any, error) {
		return args, nil
	})
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoHandler("a.b", false)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(echoHandler("a.b", true)); !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("expected AlreadyExists for duplicate name, got %v", err)
	}
	if err := r.Register(echoHandler("", false)); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid for empty name, got %v", err)
	}

	defs := r.Definitions()
	if len(defs) != 1 || defs[0].Name != "a.b" || defs[0].Mutating {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
}

// TestRegistryMustHave 验证启动时缺失的命令会被一次性报告出来。
func TestRegistryMustHave(t *testing.T) {
	r := NewRegistry()
	if err := RegisterServerActions(r, procman.NewFake(), nil, 0); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	if err := r.MustHave(BuiltinActions...); err != nil {
		t.Fatalf("builtins should be complete: %v", err)
	}

	err := r.MustHave("server.start", "server.reboot", "server.backup")
	if !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if want := "[server.backup server.reboot]"; !strings.Contains(err.Error(), want) {
		t.Fatalf("expected missing names %s in %q", want, err.Error())
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoHandler("a.echo", false)); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := r.Execute(context.Background(), "a.echo", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got, ok := out.(json.RawMessage); !ok || string(got) != `{"x":1}` {
		t.Fatalf("unexpected result %#v", out)
	}

	_, err = r.Execute(context.Background(), "nope", nil)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorCode
	}{
		{"unknown action", errors.Annotate(ErrUnknownAction, "x"), model.CodeUnknownAction},
		{"not found", errors.NotFoundf("instance %q", "s9"), model.CodeNotFound},
		{"already running", errors.AlreadyExistsf("instance %q is running", "s1"), model.CodeAlreadyRunning},
		{"invalid args", errors.NotValidf("missing id"), model.CodeInvalidArgs},
		{"not running", errors.Annotatef(procman.ErrNotRunning, "instance %q", "s1"), model.CodeNotRunning},
		{"revision conflict", errors.Annotate(procman.ErrRevisionConflict, "s1"), model.CodeRevisionConflict},
		{"idempotency conflict", errors.Annotate(idempotency.ErrConflict, "k"), model.CodeIdempotencyConflict},
		{"deadline", errors.Trace(context.DeadlineExceeded), model.CodeTimeout},
		{"typed passthrough", &model.CommandError{Code: model.CodeRateLimited, Message: "slow down"}, model.CodeRateLimited},
		{"anything else", fmt.Errorf("disk on fire"), model.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Code != tt.want {
				t.Fatalf("expected %s, got %s (%s)", tt.want, got.Code, got.Message)
			}
			if got.Message == "" {
				t.Fatal("expected a message")
			}
		})
	}

	if Classify(nil) != nil {
		t.Fatal("nil error must classify to nil")
	}
}

func TestDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	if err := RegisterServerActions(r, procman.NewFake(), nil, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	var names []string
	mutating := map[string]bool{}
	for _, d := range r.Definitions() {
		names = append(names, d.Name)
		mutating[d.Name] = d.Mutating
	}
	want := []string{
		"console.history",
		"server.input",
		"server.list",
		"server.save_properties",
		"server.start",
		"server.stop",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("definitions mismatch (-want +got):\n%s", diff)
	}
	if mutating[ActionList] || mutating[ActionConsoleHistory] || !mutating[ActionStart] {
		t.Fatalf("unexpected mutating flags: %v", mutating)
	}
}
