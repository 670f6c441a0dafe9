package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindAndHTTPStatus(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		err        error
		wantKind   Kind
		wantStatus int
		wantIs     error
	}{
		{
			name:       "not_found_maps_to_404",
			err:        NotFound("job ID %d not found", 42),
			wantKind:   KindNotFound,
			wantStatus: http.StatusNotFound,
			wantIs:     ErrNotFound,
		},
		{
			name:       "wrapped_protocol_error",
			err:        fmt.Errorf("resolve job: %w", Protocol(errors.New("bad json"), "not JSON data for GET %s", "http://api/job/1")),
			wantKind:   KindProtocol,
			wantStatus: http.StatusInternalServerError,
			wantIs:     ErrProtocol,
		},
		{
			name:       "connection_error",
			err:        Connection(errors.New("refused"), "connection error"),
			wantKind:   KindConnection,
			wantStatus: http.StatusInternalServerError,
			wantIs:     ErrConnection,
		},
		{
			name:       "auth_error",
			err:        Auth("login failed"),
			wantKind:   KindAuth,
			wantStatus: http.StatusInternalServerError,
			wantIs:     ErrAuth,
		},
		{
			name:       "invalid_period",
			err:        InvalidPeriod("2h"),
			wantKind:   KindInvalidPeriod,
			wantStatus: http.StatusInternalServerError,
			wantIs:     ErrInvalidPeriod,
		},
		{
			name:       "plain_error_is_unclassified",
			err:        errors.New("boom"),
			wantKind:   "",
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := KindOf(tc.err); got != tc.wantKind {
				t.Fatalf("KindOf() = %q, want %q", got, tc.wantKind)
			}
			if got := HTTPStatus(tc.err); got != tc.wantStatus {
				t.Fatalf("HTTPStatus() = %d, want %d", got, tc.wantStatus)
			}
			if tc.wantIs != nil && !errors.Is(tc.err, tc.wantIs) {
				t.Fatalf("errors.Is(%v, %v) = false, want true", tc.err, tc.wantIs)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := Connection(cause, "connection error while trying to connect to %s", "http://api/login")
	want := "connection error while trying to connect to http://api/login: dial tcp: refused"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
	if errors.Is(err, ErrAuth) {
		t.Fatalf("errors.Is(err, ErrAuth) = true, want false")
	}
	if got := InvalidPeriod("2h").Error(); got != "period 2h is not valid" {
		t.Fatalf("InvalidPeriod().Error() = %q", got)
	}
}
