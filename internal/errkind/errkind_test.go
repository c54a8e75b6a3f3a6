package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfUnwrapsThroughWrapping(t *testing.T) {
	base := New(KindProviderTimeout, "opensubtitles search timed out")
	wrapped := fmt.Errorf("search %q: %w", "show s01e02", base)

	if got := KindOf(wrapped); got != KindProviderTimeout {
		t.Errorf("KindOf = %s, want %s", got, KindProviderTimeout)
	}
	if !Is(wrapped, KindProviderTimeout) {
		t.Error("Is should match through fmt.Errorf wrapping")
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should still match the original")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindInternal)
	}
}

func TestWithHintDoesNotMutateOriginal(t *testing.T) {
	base := New(KindBackendAuthInvalid, "deepl rejected the key")
	hinted := base.WithHint("check translation.deepl.api_key")

	if base.Hint != "" {
		t.Errorf("original hint mutated to %q", base.Hint)
	}
	if got := HintOf(hinted); got != "check translation.deepl.api_key" {
		t.Errorf("HintOf = %q", got)
	}
	if HintOf(errors.New("plain")) != "" {
		t.Error("plain errors carry no hint")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindBackendUnavailable, "ollama unreachable", cause)

	if !errors.Is(err, cause) {
		t.Error("Wrap should keep the cause in the chain")
	}
	want := "backend_unavailable: ollama unreachable: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindConfig, http.StatusBadRequest},
		{KindAuth, http.StatusUnauthorized},
		{KindNotFound, http.StatusNotFound},
		{KindProviderTimeout, http.StatusGatewayTimeout},
		{KindBackendUnavailable, http.StatusBadGateway},
		{KindCancelled, http.StatusConflict},
		{KindNoSourceAvailable, http.StatusOK},
		{KindStoreLocked, http.StatusInternalServerError},
		{KindArchiveSuspicious, http.StatusBadRequest},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(New(tc.kind, "x")); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus(plain) = %d", got)
	}
}

func TestTransient(t *testing.T) {
	if !Transient(New(KindProviderRateLimit, "slow down")) {
		t.Error("rate limit should be transient")
	}
	if Transient(New(KindProviderAuth, "bad key")) {
		t.Error("auth failures are not transient")
	}
	if Transient(errors.New("plain")) {
		t.Error("unclassified errors are not transient")
	}
}
