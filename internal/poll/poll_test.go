package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTriggerReadyReturnsImmediately(t *testing.T) {
	polls := 0
	got, err := UntilReady(context.Background(), Options{
		Trigger: func(ctx context.Context) (Response, error) {
			return Response{Serial: "s1", Payload: map[string]any{"speed": 5}}, nil
		},
		Poll: func(ctx context.Context, serial string) (Response, error) {
			polls++
			return Response{}, nil
		},
		Ready:    func(p map[string]any) bool { return p["speed"] != nil },
		Attempts: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["speed"] != 5 {
		t.Errorf("payload = %v, want speed=5", got)
	}
	if polls != 0 {
		t.Errorf("polled %d times after ready trigger, want 0", polls)
	}
}

func TestTriggerErrorPropagates(t *testing.T) {
	wantErr := errors.New("session expired")
	_, err := UntilReady(context.Background(), Options{
		Trigger: func(ctx context.Context) (Response, error) {
			return Response{}, wantErr
		},
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestNoSerialReturnsTriggerResult(t *testing.T) {
	polls := 0
	got, err := UntilReady(context.Background(), Options{
		Trigger: func(ctx context.Context) (Response, error) {
			return Response{Payload: map[string]any{"echo": true}}, nil
		},
		Poll: func(ctx context.Context, serial string) (Response, error) {
			polls++
			return Response{}, nil
		},
		Ready:    func(p map[string]any) bool { return false },
		Attempts: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["echo"] != true {
		t.Errorf("payload = %v, want trigger result", got)
	}
	if polls != 0 {
		t.Errorf("polled %d times without a serial, want 0", polls)
	}
}

func TestPollsUntilReady(t *testing.T) {
	polls := 0
	got, err := UntilReady(context.Background(), Options{
		Trigger: func(ctx context.Context) (Response, error) {
			return Response{Serial: "s1", Payload: map[string]any{}}, nil
		},
		Poll: func(ctx context.Context, serial string) (Response, error) {
			polls++
			if polls == 3 {
				return Response{Payload: map[string]any{"done": true}}, nil
			}
			return Response{Payload: map[string]any{"pending": true}}, nil
		},
		Ready:    func(p map[string]any) bool { return p["done"] == true },
		Attempts: 5,
		Interval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["done"] != true {
		t.Errorf("payload = %v, want done=true", got)
	}
	if polls != 3 {
		t.Errorf("polled %d times, want 3", polls)
	}
}

func TestTransientPollErrorSwallowed(t *testing.T) {
	polls := 0
	got, err := UntilReady(context.Background(), Options{
		Trigger: func(ctx context.Context) (Response, error) {
			return Response{Serial: "s1", Payload: map[string]any{"initial": true}}, nil
		},
		Poll: func(ctx context.Context, serial string) (Response, error) {
			polls++
			if polls == 1 {
				return Response{}, errors.New("timeout")
			}
			return Response{Payload: map[string]any{"done": true}}, nil
		},
		Ready:    func(p map[string]any) bool { return p["done"] == true },
		Attempts: 3,
		Interval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("transient poll error must not surface: %v", err)
	}
	if got["done"] != true {
		t.Errorf("payload = %v, want done=true after retry", got)
	}
}

func TestExhaustionReturnsBestEffort(t *testing.T) {
	got, err := UntilReady(context.Background(), Options{
		Trigger: func(ctx context.Context) (Response, error) {
			return Response{Serial: "s1", Payload: map[string]any{"initial": true}}, nil
		},
		Poll: func(ctx context.Context, serial string) (Response, error) {
			return Response{Payload: map[string]any{"pending": true}}, nil
		},
		Ready:    func(p map[string]any) bool { return false },
		Attempts: 2,
		Interval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["pending"] != true {
		t.Errorf("payload = %v, want last poll snapshot", got)
	}
}

func TestSerialRotation(t *testing.T) {
	var serials []string
	_, err := UntilReady(context.Background(), Options{
		Trigger: func(ctx context.Context) (Response, error) {
			return Response{Serial: "s1", Payload: map[string]any{}}, nil
		},
		Poll: func(ctx context.Context, serial string) (Response, error) {
			serials = append(serials, serial)
			return Response{Serial: "s" + string(rune('1'+len(serials)))}, nil
		},
		Ready:    func(p map[string]any) bool { return false },
		Attempts: 3,
		Interval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"s1", "s2", "s3"}
	for i, w := range want {
		if serials[i] != w {
			t.Errorf("poll %d used serial %q, want %q (device rotates serials)", i, serials[i], w)
		}
	}
}

func TestShortCircuitSkipsPolling(t *testing.T) {
	polls := 0
	got, err := UntilReady(context.Background(), Options{
		Trigger: func(ctx context.Context) (Response, error) {
			return Response{Serial: "s1", Payload: map[string]any{}}, nil
		},
		Poll: func(ctx context.Context, serial string) (Response, error) {
			polls++
			return Response{}, nil
		},
		Ready:    func(p map[string]any) bool { return false },
		Attempts: 3,
		Interval: time.Millisecond,
		ShortCircuit: func(ctx context.Context) (map[string]any, bool) {
			return map[string]any{"fresh": true}, true
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["fresh"] != true {
		t.Errorf("payload = %v, want short-circuit payload", got)
	}
	if polls != 0 {
		t.Errorf("polled %d times despite short circuit, want 0", polls)
	}
}

func TestShortCircuitMissFallsThroughToPolling(t *testing.T) {
	polls := 0
	_, err := UntilReady(context.Background(), Options{
		Trigger: func(ctx context.Context) (Response, error) {
			return Response{Serial: "s1", Payload: map[string]any{}}, nil
		},
		Poll: func(ctx context.Context, serial string) (Response, error) {
			polls++
			return Response{}, nil
		},
		Ready:        func(p map[string]any) bool { return false },
		Attempts:     2,
		Interval:     time.Millisecond,
		ShortCircuit: func(ctx context.Context) (map[string]any, bool) { return nil, false },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if polls != 2 {
		t.Errorf("polled %d times, want 2 after short-circuit miss", polls)
	}
}

func TestContextCancelReturnsBestEffort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := UntilReady(ctx, Options{
		Trigger: func(ctx context.Context) (Response, error) {
			return Response{Serial: "s1", Payload: map[string]any{"initial": true}}, nil
		},
		Poll: func(ctx context.Context, serial string) (Response, error) {
			t.Error("poll must not run after cancellation")
			return Response{}, nil
		},
		Ready:    func(p map[string]any) bool { return false },
		Attempts: 3,
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("cancellation must degrade to best-effort, got error: %v", err)
	}
	if got["initial"] != true {
		t.Errorf("payload = %v, want trigger payload", got)
	}
}
