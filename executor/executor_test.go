//go:build !windows

package executor

import (
	"context"
	"testing"
	"time"
)

func TestLocalRun(t *testing.T) {
	l := NewLocal(nil)

	res, err := l.Run(context.Background(), "echo hello", InteractiveTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 || res.Stdout != "hello\n" {
		t.Errorf("got %+v", res)
	}

	res, err = l.Run(context.Background(), "echo oops >&2; exit 3", InteractiveTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code: got %d; want 3", res.ExitCode)
	}
	if res.Stderr != "oops\n" {
		t.Errorf("stderr: got %q", res.Stderr)
	}
}

func TestLocalRunTimeout(t *testing.T) {
	l := NewLocal(nil)

	start := time.Now()
	_, err := l.Run(context.Background(), "sleep 10", 100*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, hard bound not enforced", elapsed)
	}
}

func TestLocalRunCanceled(t *testing.T) {
	l := NewLocal(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := l.Run(ctx, "sleep 10", InteractiveTimeout)
	if !IsConnection(err) {
		t.Fatalf("expected connection error for canceled context, got %v", err)
	}
	if IsTimeout(err) {
		t.Error("cancellation misclassified as timeout")
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsConnection(&ConnectionError{Host: "h"}) {
		t.Error("ConnectionError not classified")
	}
	if !IsAuth(&AuthError{Host: "h"}) {
		t.Error("AuthError not classified")
	}
	if IsTimeout(&ConnectionError{Host: "h"}) {
		t.Error("ConnectionError misclassified as timeout")
	}
}

func TestIsSudoAuthFailure(t *testing.T) {
	if IsSudoAuthFailure(Result{ExitCode: 0, Stderr: "Sorry, try again."}) {
		t.Error("zero exit must never count as auth failure")
	}
	if !IsSudoAuthFailure(Result{ExitCode: 1, Stderr: "[sudo] password for bob: Sorry, try again."}) {
		t.Error("sudo rejection not detected")
	}
	if IsSudoAuthFailure(Result{ExitCode: 1, Stderr: "usbip: error: device not found"}) {
		t.Error("unrelated failure misdetected as auth failure")
	}
}
