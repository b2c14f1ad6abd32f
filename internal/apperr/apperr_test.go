package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("bad lat %f", 100.0), http.StatusBadRequest},
		{"invalid transition", &TransitionError{From: "completed", To: "canceled"}, http.StatusBadRequest},
		{"noop", &TransitionError{From: "findingDriver", To: "findingDriver", Noop: true}, http.StatusConflict},
		{"lost race", &TransitionError{From: "findingDriver", To: "arrivingToPickup", Lost: true}, http.StatusConflict},
		{"ownership", &OwnershipError{RideID: "r1"}, http.StatusForbidden},
		{"claim race", &OwnershipError{RideID: "r1", Raced: true}, http.StatusConflict},
		{"not found", fmt.Errorf("ride r1: %w", ErrNotFound), http.StatusNotFound},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"upstream", Upstream("refund", errors.New("card_declined")), http.StatusBadGateway},
		{"transient", Transient("geoadd", errors.New("i/o timeout")), http.StatusServiceUnavailable},
		{"payment state", ErrPaymentState, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestTransitionErrorMessageCarriesCurrentState(t *testing.T) {
	err := &TransitionError{From: "completed", To: "canceled", Current: "completed"}
	if got := err.Error(); got != "invalid transition completed -> canceled (current state completed)" {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConflict) {
		t.Fatalf("unexpected unwrap chain")
	}
}

func TestTransientKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("hset", cause)
	if !errors.Is(err, ErrTransientStore) || !errors.Is(err, cause) {
		t.Fatalf("expected both sentinel and cause in chain: %v", err)
	}
	if Transient("noop", nil) != nil {
		t.Fatalf("nil cause must stay nil")
	}
}
