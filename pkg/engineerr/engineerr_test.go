package engineerr

import (
	"errors"
	"net/http"
	"testing"
)

func TestKindOfDefaultsToInternal(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != Internal {
		t.Fatalf("KindOf(plain) = %s, want %s", got, Internal)
	}
}

func TestWrapPreservesChain(t *testing.T) {
	root := errors.New("upstream exploded")
	err := Wrap(ProviderError, "chat completion failed", root)

	if !errors.Is(err, root) {
		t.Fatalf("expected wrapped error chain to include root cause")
	}
	if KindOf(err) != ProviderError {
		t.Fatalf("KindOf = %s, want %s", KindOf(err), ProviderError)
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Kind]bool{
		Timeout:       true,
		Throttled:     true,
		ProviderError: true,
		BadRequest:    false,
		UnknownAgent:  false,
		Internal:      false,
	}
	for kind, want := range cases {
		if got := Retryable(kind); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", kind, got, want)
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		BadRequest:    http.StatusBadRequest,
		Unauthorized:  http.StatusUnauthorized,
		NotFound:      http.StatusNotFound,
		Conflict:      http.StatusConflict,
		Timeout:       http.StatusRequestTimeout,
		Throttled:     http.StatusTooManyRequests,
		ProviderError: http.StatusBadGateway,
		UnknownAgent:  http.StatusBadRequest,
		CycleExceeded: http.StatusBadRequest,
		Internal:      http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
