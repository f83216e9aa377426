package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type nopClient struct{}

func (nopClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return &ChatResponse{Message: Message{Role: "assistant"}}, nil
}
func (nopClient) Ping(ctx context.Context) error { return nil }

func TestRegistryClientCachesInstance(t *testing.T) {
	r := NewRegistry(nil)
	constructed := 0
	r.Register("a", func(logger *slog.Logger) (Client, error) {
		constructed++
		return nopClient{}, nil
	})

	first, err := r.Client("a")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	second, err := r.Client("a")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if constructed != 1 {
		t.Errorf("factory ran %d times", constructed)
	}
	if first != second {
		t.Error("client not cached")
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("a", func(logger *slog.Logger) (Client, error) { return nopClient{}, nil })

	if _, err := r.Client("b"); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("broken", func(logger *slog.Logger) (Client, error) {
		return nil, errors.New("no credential")
	})

	if _, err := r.Client("broken"); err == nil {
		t.Error("factory error swallowed")
	}
	// failure is not cached as a client
	if _, err := r.Client("broken"); err == nil {
		t.Error("second lookup succeeded after factory failure")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"ollama", "anthropic", "oauth"} {
		r.Register(name, func(logger *slog.Logger) (Client, error) { return nopClient{}, nil })
	}

	names := r.Names()
	want := []string{"anthropic", "oauth", "ollama"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
