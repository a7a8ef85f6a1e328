package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livetalk/pkg/provider/live"
	livemock "github.com/MrWong99/livetalk/pkg/provider/live/mock"
	"github.com/MrWong99/livetalk/pkg/provider/llm"
	llmmock "github.com/MrWong99/livetalk/pkg/provider/llm/mock"
)

func newGroup(clock *fakeClock) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour, Now: clock.Now},
		Logger:         quietLogger(),
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

// ─── FallbackGroup ────────────────────────────────────────────────────────────

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		failing map[string]bool
		want    string
		wantErr bool
	}{
		{name: "primary ok", want: "primary"},
		{name: "primary fails", failing: map[string]bool{"primary": true}, want: "secondary"},
		{name: "all fail", failing: map[string]bool{"primary": true, "secondary": true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup(newFakeClock())
			got, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
				if tt.failing[v] {
					return "", errTest
				}
				return v, nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Errorf("err = %v, want ErrAllFailed wrapping errTest", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := newGroup(newFakeClock())
	primaryFails := func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	}
	for range 2 {
		_ = fg.Execute(context.Background(), primaryFails)
	}
	if fg.Breaker(0) != StateOpen {
		t.Fatalf("primary breaker = %v, want open", fg.Breaker(0))
	}

	var calls []string
	err := fg.Execute(context.Background(), func(v string) error {
		calls = append(calls, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Errorf("calls = %v, want [secondary]", calls)
	}
}

func TestFallbackGroup_CancelledContextStops(t *testing.T) {
	t.Parallel()
	fg := newGroup(newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())

	var calls []string
	err := fg.Execute(ctx, func(v string) error {
		calls = append(calls, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want context.Canceled alone", err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only the primary", calls)
	}
}

// ─── Providers ────────────────────────────────────────────────────────────────

func TestLLMFallback_Failover(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("quota exceeded")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}

	fb := NewLLMFallback(primary, "gemini", FallbackConfig{Logger: quietLogger()})
	fb.AddFallback("openai", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(primary.Calls()) != 1 || len(secondary.Calls()) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.Calls()), len(secondary.Calls()))
	}
}

func TestLiveFallback_Failover(t *testing.T) {
	t.Parallel()
	sess := livemock.NewSession()
	primary := &livemock.Provider{ConnectErr: errors.New("model unavailable")}
	secondary := &livemock.Provider{Session: sess}

	fb := NewLiveFallback(primary, "gemini/flash-live", FallbackConfig{Logger: quietLogger()})
	fb.AddFallback("gemini/native-audio", secondary)

	got, err := fb.Connect(context.Background(), live.SessionConfig{Voice: "Zephyr"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != live.Session(sess) {
		t.Error("Connect did not return the fallback's session")
	}
	if calls := secondary.Calls(); len(calls) != 1 || calls[0].Cfg.Voice != "Zephyr" {
		t.Errorf("secondary calls = %+v", calls)
	}
}

func TestLiveFallback_AllFail(t *testing.T) {
	t.Parallel()
	refused := errors.New("refused")
	fb := NewLiveFallback(&livemock.Provider{ConnectErr: refused}, "gemini", FallbackConfig{Logger: quietLogger()})

	_, err := fb.Connect(context.Background(), live.SessionConfig{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, refused) {
		t.Errorf("err = %v, want ErrAllFailed wrapping the connect error", err)
	}
}
