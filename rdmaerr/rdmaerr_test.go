package rdmaerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gorcverbs/gorcverbs/rdmaerr"
)

func TestOfMatchesKindThroughWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := rdmaerr.Wrap("rendezvous.readFull", rdmaerr.Wire, cause)

	require.True(t, rdmaerr.Of(err, rdmaerr.Wire))
	require.False(t, rdmaerr.Of(err, rdmaerr.Resource))
	require.ErrorIs(t, err, cause)
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := rdmaerr.New("qp.postSend", rdmaerr.Precondition, "qp not in RTS state")
	require.ErrorIs(t, err, &rdmaerr.Error{Kind: rdmaerr.Precondition})
	require.NotErrorIs(t, err, &rdmaerr.Error{Kind: rdmaerr.Completion})
}

func TestWrapNilReturnsNil(t *testing.T) {
	require.Nil(t, rdmaerr.Wrap("op", rdmaerr.Resource, nil))
}

func TestErrorStringIncludesOpAndKind(t *testing.T) {
	err := rdmaerr.New("verbs.CreateCQ", rdmaerr.Resource, "out of memory")
	require.Contains(t, err.Error(), "verbs.CreateCQ")
	require.Contains(t, err.Error(), "resource")
	require.Contains(t, err.Error(), "out of memory")
}
