package fn

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestResult_States(t *testing.T) {
	if r := Ok("a cat"); !r.IsOk() || r.IsErr() || r.Halted() || r.Cause() != nil {
		t.Fatalf("Ok: %+v", r)
	}
	if r := Halt("a cat"); !r.IsOk() || !r.Halted() {
		t.Fatalf("Halt: %+v", r)
	}
	boom := errors.New("boom")
	if r := Err[string](boom); r.IsOk() || !errors.Is(r.Cause(), boom) {
		t.Fatalf("Err: %+v", r)
	}
	if FromPair(1, boom).IsOk() || !FromPair(1, nil).IsOk() {
		t.Fatal("FromPair")
	}
}

func TestPartition_KeepsOrder(t *testing.T) {
	vals, errs := Partition([]Result[string]{Ok("a"), Err[string](errors.New("x")), Halt("b"), Ok("c")})
	if strings.Join(vals, "") != "abc" || len(errs) != 1 {
		t.Fatalf("vals=%v errs=%v", vals, errs)
	}
}

func upper(_ context.Context, s string) Result[string] { return Ok(strings.ToUpper(s)) }

func TestPipeline_RunsInOrder(t *testing.T) {
	suffix := MapStage(func(s string) string { return s + "!" })
	v, err := Pipeline[string](upper, suffix)(context.Background(), "dog").Unwrap()
	if err != nil || v != "DOG!" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestPipeline_StopsAtHaltAndError(t *testing.T) {
	var ran []string
	stage := func(name string, r func(string) Result[string]) Stage[string, string] {
		return func(_ context.Context, s string) Result[string] {
			ran = append(ran, name)
			return r(s + name)
		}
	}
	r := Pipeline(stage("a", Ok[string]), stage("b", Halt[string]), stage("c", Ok[string]))(context.Background(), "")
	if v, _ := r.Unwrap(); v != "ab" || !r.Halted() || len(ran) != 2 {
		t.Fatalf("halt: v=%q ran=%v", v, ran)
	}

	ran = nil
	fail := func(string) Result[string] { return Err[string](errors.New("caption failed")) }
	r = Pipeline(stage("a", fail), stage("b", Ok[string]))(context.Background(), "")
	if r.IsOk() || len(ran) != 1 {
		t.Fatalf("error: ok=%v ran=%v", r.IsOk(), ran)
	}
}

func TestPipeline_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := Pipeline[string](upper)(ctx, "x"); !errors.Is(r.Cause(), context.Canceled) {
		t.Fatalf("got %v", r.Cause())
	}
}

func TestTracedStage_PassesResultThrough(t *testing.T) {
	if v, _ := TracedStage[string, string]("upper", upper)(context.Background(), "x").Unwrap(); v != "X" {
		t.Fatalf("got %q", v)
	}
	halting := TracedStage("halt", Stage[string, string](func(_ context.Context, s string) Result[string] { return Halt(s) }))
	if !halting(context.Background(), "x").Halted() {
		t.Fatal("halt lost")
	}
}

var fastRetry = RetryOpts{MaxAttempts: 4, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), fastRetry, func(context.Context) Result[int] {
		calls++
		if calls < 3 {
			return Err[int](errors.New("503"))
		}
		return Ok(calls)
	})
	if v, err := r.Unwrap(); err != nil || v != 3 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), fastRetry, func(context.Context) Result[int] {
		calls++
		return Err[int](errors.New("503"))
	})
	if r.IsOk() || calls != 4 {
		t.Fatalf("calls=%d ok=%v", calls, r.IsOk())
	}
}

func TestRetry_ZeroAttemptsCallsOnce(t *testing.T) {
	calls := 0
	Retry(context.Background(), RetryOpts{}, func(context.Context) Result[int] {
		calls++
		return Err[int](errors.New("x"))
	})
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	opts := fastRetry
	opts.Retryable = func(err error) bool { return !errors.Is(err, permanent) }
	calls := 0
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		return Err[int](permanent)
	})
	if calls != 1 || !errors.Is(r.Cause(), permanent) {
		t.Fatalf("calls=%d err=%v", calls, r.Cause())
	}
}

func TestRetry_OnRetryAttempts(t *testing.T) {
	opts := fastRetry
	opts.MaxAttempts = 3
	var attempts []int
	opts.OnRetry = func(n int, _ error, wait time.Duration) {
		if wait > opts.MaxWait {
			t.Errorf("wait %v above MaxWait", wait)
		}
		attempts = append(attempts, n)
	}
	Retry(context.Background(), opts, func(context.Context) Result[int] { return Err[int](errors.New("x")) })
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("attempts = %v", attempts)
	}
}

func TestRetry_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	opts := RetryOpts{MaxAttempts: 5, InitialWait: time.Hour, MaxWait: time.Hour}
	r := Retry(ctx, opts, func(context.Context) Result[int] { return Err[int](errors.New("x")) })
	if !errors.Is(r.Cause(), context.Canceled) {
		t.Fatalf("got %v", r.Cause())
	}
}

func TestBackoff(t *testing.T) {
	o := RetryOpts{InitialWait: time.Second, MaxWait: 5 * time.Second}
	for n, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second, 40: 5 * time.Second} {
		if got := o.backoff(n); got != want {
			t.Errorf("backoff(%d) = %v, want %v", n, got, want)
		}
	}
	o.Jitter = true
	for range 20 {
		if d := o.backoff(1); d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("jittered wait %v out of range", d)
		}
	}
}

func TestParMapResult_OrderAndBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	out := ParMapResult(context.Background(), items, 3, func(_ context.Context, v int) Result[int] {
		n := inFlight.Add(1)
		for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return Ok(v * v)
	})
	for i, r := range out {
		if v, _ := r.Unwrap(); v != items[i]*items[i] {
			t.Fatalf("[%d] = %d", i, v)
		}
	}
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d", peak.Load())
	}
}

func TestParMapResult_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	out := ParMapResult(ctx, []int{1, 2, 3}, 1, func(context.Context, int) Result[int] {
		calls.Add(1)
		return Ok(1)
	})
	if calls.Load() != 0 || len(out) != 3 {
		t.Fatalf("calls=%d len=%d", calls.Load(), len(out))
	}
	for _, r := range out {
		if !errors.Is(r.Cause(), context.Canceled) {
			t.Fatalf("got %v", r.Cause())
		}
	}
}

func TestSliceHelpers(t *testing.T) {
	paths := []string{"a/cat.jpg", "b/dog.png", "c/cat.jpg"}
	if got := Map(paths, func(p string) int { return len(p) }); len(got) != 3 || got[0] != 9 {
		t.Fatalf("Map = %v", got)
	}
	jpgs := Filter(paths, func(p string) bool { return strings.HasSuffix(p, ".jpg") })
	if len(jpgs) != 2 || paths[1] != "b/dog.png" {
		t.Fatalf("Filter = %v, input %v", jpgs, paths)
	}
	base := func(p string) string { return p[2:] }
	if u := UniqueBy(paths, base); len(u) != 2 || u[0] != "a/cat.jpg" || u[1] != "b/dog.png" {
		t.Fatalf("UniqueBy = %v", u)
	}
}
