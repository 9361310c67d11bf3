package pool

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"telepool-go/internal/connector"
)

func TestClassifyGatewayCodes(t *testing.T) {
	cases := []struct {
		code string
		want FailureKind
	}{
		{connector.CodeAuthKeyDuplicated, FailurePermanent},
		{connector.CodeAuthKeyUnregistered, FailurePermanent},
		{connector.CodeSessionRevoked, FailurePermanent},
		{connector.CodeConcurrentConnect, FailureConflict},
		{connector.CodeLoginRequired, FailureAuth},
		{"AUTH_RESTART", FailureAuth},
		{"FLOOD_WAIT", FailureGeneric},
		{"INTERNAL", FailureGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := &connector.GatewayError{Code: tc.code, Message: "x"}
			require.Equal(t, tc.want, Classify(err))
		})
	}
}

func TestClassifyWrappedGatewayError(t *testing.T) {
	inner := &connector.GatewayError{Code: connector.CodeSessionRevoked}
	err := fmt.Errorf("connect session-2: %w", inner)
	require.Equal(t, FailurePermanent, Classify(err))
}

func TestClassifyPermanentBeatsAuthPrefix(t *testing.T) {
	// AUTH_KEY_DUPLICATED matches both the permanent list and the AUTH_
	// prefix; the permanent rule must win.
	err := &connector.GatewayError{Code: connector.CodeAuthKeyDuplicated}
	require.Equal(t, FailurePermanent, Classify(err))
}

func TestClassifyStringFallback(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"permanent in message", errors.New("rpc error: AUTH_KEY_UNREGISTERED"), FailurePermanent},
		{"conflict in message", errors.New("gateway: already connecting"), FailureConflict},
		{"auth in message", errors.New("request unauthorized"), FailureAuth},
		{"case insensitive", errors.New("session_revoked by peer"), FailurePermanent},
		{"network error", errors.New("dial tcp: connection refused"), FailureGeneric},
		{"empty message", errors.New(""), FailureGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyInteractiveLogin(t *testing.T) {
	err := fmt.Errorf("session-4: %w", connector.ErrInteractiveLoginRequired)
	require.Equal(t, FailureAuth, Classify(err))
}

func TestClassifyNil(t *testing.T) {
	require.Equal(t, FailureNone, Classify(nil))
}

func TestCooldownsFor(t *testing.T) {
	cd := Cooldowns{Conflict: 300e6, Auth: 5e9, Generic: 30e9}
	require.Equal(t, cd.Conflict, cd.For(FailureConflict))
	require.Equal(t, cd.Auth, cd.For(FailureAuth))
	require.Equal(t, cd.Generic, cd.For(FailureGeneric))
	require.Zero(t, cd.For(FailurePermanent))
	require.Zero(t, cd.For(FailureNone))
}
