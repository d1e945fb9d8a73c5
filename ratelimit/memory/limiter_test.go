package memorylimiter

import (
	"testing"
	"time"
)

func TestLimiter_AllowNamed(t *testing.T) {
	l := New(map[string]Limit{
		"auth.verify_failed": {Limit: 3, Window: time.Minute},
	})

	for i := 0; i < 3; i++ {
		ok, err := l.AllowNamed("auth.verify_failed", "10.0.0.1")
		if err != nil {
			t.Fatalf("AllowNamed: %v", err)
		}
		if !ok {
			t.Fatalf("expected attempt %d within limit", i+1)
		}
	}

	ok, err := l.AllowNamed("auth.verify_failed", "10.0.0.1")
	if err != nil {
		t.Fatalf("AllowNamed: %v", err)
	}
	if ok {
		t.Fatalf("expected fourth attempt denied")
	}

	// Another client has its own window.
	ok, _ = l.AllowNamed("auth.verify_failed", "10.0.0.2")
	if !ok {
		t.Fatalf("expected a different key to be unaffected")
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	l := New(map[string]Limit{
		"auth.verify_failed": {Limit: 1, Window: 40 * time.Millisecond},
	})

	if ok, _ := l.AllowNamed("auth.verify_failed", "10.0.0.1"); !ok {
		t.Fatalf("expected first attempt allowed")
	}
	if ok, _ := l.AllowNamed("auth.verify_failed", "10.0.0.1"); ok {
		t.Fatalf("expected second attempt denied inside the window")
	}

	time.Sleep(60 * time.Millisecond)
	if ok, _ := l.AllowNamed("auth.verify_failed", "10.0.0.1"); !ok {
		t.Fatalf("expected attempt allowed after the window slid")
	}
}

func TestLimiter_DeniedAttemptsDoNotExtendBlock(t *testing.T) {
	l := New(map[string]Limit{
		"auth.verify_failed": {Limit: 1, Window: 40 * time.Millisecond},
	})

	if ok, _ := l.AllowNamed("auth.verify_failed", "10.0.0.1"); !ok {
		t.Fatalf("expected first attempt allowed")
	}
	// Hammering while blocked must not reset the window.
	for i := 0; i < 5; i++ {
		if ok, _ := l.AllowNamed("auth.verify_failed", "10.0.0.1"); ok {
			t.Fatalf("expected denial while window holds")
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(40 * time.Millisecond)
	if ok, _ := l.AllowNamed("auth.verify_failed", "10.0.0.1"); !ok {
		t.Fatalf("expected recovery once the original attempt aged out")
	}
}

func TestLimiter_DefaultFallback(t *testing.T) {
	l := New(map[string]Limit{
		"default": {Limit: 1, Window: time.Minute},
	})

	if ok, _ := l.AllowNamed("some.other.bucket", "k"); !ok {
		t.Fatalf("expected first attempt under default limit allowed")
	}
	if ok, _ := l.AllowNamed("some.other.bucket", "k"); ok {
		t.Fatalf("expected default limit of 1 enforced")
	}
}

func TestLimiter_Validation(t *testing.T) {
	l := New(nil)

	if _, err := l.AllowNamed("", "key"); err == nil {
		t.Fatalf("expected error for empty bucket")
	}
	if _, err := l.AllowNamed("bucket", ""); err == nil {
		t.Fatalf("expected error for empty key")
	}

	var nilLimiter *Limiter
	ok, err := nilLimiter.AllowNamed("bucket", "key")
	if err != nil || !ok {
		t.Fatalf("expected nil limiter to allow everything, ok=%v err=%v", ok, err)
	}
}

func TestDefaultLimits(t *testing.T) {
	limits := DefaultLimits()
	lim, ok := limits["auth.verify_failed"]
	if !ok {
		t.Fatalf("expected a limit for auth.verify_failed")
	}
	if lim.Limit != 20 || lim.Window != time.Minute {
		t.Fatalf("expected 20 per minute, got %+v", lim)
	}
}
