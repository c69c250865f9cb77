package tools

import (
	"reflect"
	"testing"

	"github.com/opal-dev/opal/pkg/ai"
)

func named(name string) Tool {
	return &Func{Def: ai.ToolDefinition{Name: name}}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(named("x"))
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	reg.Register(named("x"))
}

func TestAllSortedByName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(named("zeta"))
	reg.Register(named("alpha"))
	reg.Register(named("mid"))

	if got := reg.Names(); !reflect.DeepEqual(got, []string{"alpha", "mid", "zeta"}) {
		t.Fatalf("names = %v", got)
	}
	defs := reg.Definitions()
	if len(defs) != 3 || defs[0].Name != "alpha" {
		t.Fatalf("definitions = %v", defs)
	}
}

func TestCloneWithout(t *testing.T) {
	reg := NewRegistry()
	reg.Register(named("keep"))
	reg.Register(named("drop"))

	clone := reg.CloneWithout("drop")
	if clone.Get("drop") != nil {
		t.Fatal("dropped tool present in clone")
	}
	if clone.Get("keep") == nil {
		t.Fatal("kept tool missing from clone")
	}
	// The original is untouched.
	if reg.Get("drop") == nil {
		t.Fatal("original mutated")
	}
}

func TestRemoveAndReplace(t *testing.T) {
	reg := NewRegistry()
	reg.Register(named("x"))
	reg.Remove("x")
	if reg.Get("x") != nil {
		t.Fatal("remove failed")
	}
	reg.Remove("x") // no-op

	reg.RegisterOrReplace(named("y"))
	reg.RegisterOrReplace(named("y"))
	if len(reg.Names()) != 1 {
		t.Fatalf("names = %v", reg.Names())
	}
}
