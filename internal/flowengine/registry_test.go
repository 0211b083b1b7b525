package flowengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	def, _ := newTestWorkflow("workspace_create", 1, &callLog{})

	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 definition, got %d", reg.Len())
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	def, _ := newTestWorkflow("workspace_create", 1, &callLog{})
	_ = reg.Register(def)

	err := reg.Register(def)
	if !errors.Is(err, ErrDuplicateWorkflowType) {
		t.Fatalf("expected ErrDuplicateWorkflowType, got: %v", err)
	}
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(nil); err == nil {
		t.Fatal("expected error for nil definition")
	}
	if err := reg.Register(&testWorkflowDef{}); err == nil {
		t.Fatal("expected error for empty type")
	}
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	reg := NewRegistry()
	def, _ := newTestWorkflow("workspace_create", 1, &callLog{})
	reg.MustRegister(def)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate MustRegister")
		}
	}()
	reg.MustRegister(def)
}

func TestRegistry_GetNotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("nonexistent")
	if !errors.Is(err, ErrWorkflowTypeNotFound) {
		t.Fatalf("expected ErrWorkflowTypeNotFound, got: %v", err)
	}
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry()
	for _, typ := range []string{"workspace_delete", "gcp_context_create", "workspace_clone"} {
		def, _ := newTestWorkflow(typ, 1, &callLog{})
		reg.MustRegister(def)
	}

	got := strings.Join(reg.List(), ",")
	if got != "gcp_context_create,workspace_clone,workspace_delete" {
		t.Errorf("expected sorted types, got %s", got)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			def, _ := newTestWorkflow(fmt.Sprintf("type_%d", i), 1, &callLog{})
			_ = reg.Register(def)
		}(i)
		go func() {
			defer wg.Done()
			_ = reg.List()
		}()
	}
	wg.Wait()

	if reg.Len() != 20 {
		t.Errorf("expected 20 definitions, got %d", reg.Len())
	}
}

func TestBuildSteps_RejectsDuplicateNames(t *testing.T) {
	log := &callLog{}
	def, _ := newTestWorkflow("test_workflow", 2, log)
	def.steps[1].Name = def.steps[0].Name

	if _, err := buildSteps(def, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected duplicate step name to be rejected")
	}
}

func TestBuildSteps_RejectsMissingStep(t *testing.T) {
	def := &testWorkflowDef{typ: "test_workflow", steps: []StepDefinition{{Name: "empty"}}}
	if _, err := buildSteps(def, nil); err == nil {
		t.Fatal("expected step without implementation to be rejected")
	}
}
