package tools

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/moonbotlabs/moonbot/pkg/models"
)

func noopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, input map[string]any, call *Call) *models.ToolResult {
		return models.OKResult(nil, 0)
	})
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{ID: "fs.read", Description: "read a file", Handler: noopHandler()})

	d, ok := r.Get("fs.read")
	if !ok {
		t.Fatal("fs.read not found")
	}
	if d.Description != "read a file" {
		t.Errorf("description = %q", d.Description)
	}
	if !r.Has("fs.read") {
		t.Error("Has(fs.read) = false")
	}
	if r.Has("fs.write") {
		t.Error("Has(fs.write) = true for unregistered tool")
	}
}

func TestRegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{ID: "echo", Description: "first"})
	r.Register(Descriptor{ID: "echo", Description: "second"})

	d, _ := r.Get("echo")
	if d.Description != "second" {
		t.Errorf("description = %q, want second", d.Description)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{ID: "echo"})
	r.Unregister("echo")
	if r.Has("echo") {
		t.Error("tool still present after Unregister")
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"system.run", "fs.read", "http.fetch", "fs.write"} {
		r.Register(Descriptor{ID: id})
	}

	list := r.List()
	want := []string{"fs.read", "fs.write", "http.fetch", "system.run"}
	if len(list) != len(want) {
		t.Fatalf("len = %d, want %d", len(list), len(want))
	}
	for i, d := range list {
		if d.ID != want[i] {
			t.Errorf("list[%d] = %q, want %q", i, d.ID, want[i])
		}
	}
}

func TestConcurrentLookups(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			r.Register(Descriptor{ID: fmt.Sprintf("tool-%d", n)})
		}(i)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Has(fmt.Sprintf("tool-%d", n))
				r.List()
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != 8 {
		t.Errorf("Len = %d, want 8", r.Len())
	}
}
