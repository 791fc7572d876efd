package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_TransientErrors(t *testing.T) {
	for _, err := range []error{ErrRateLimitExceeded, ErrNetwork, ErrSystemOverload, ErrExchangeMaintenance, ErrTimestampOutOfBounds} {
		assert.Equal(t, Transient, Classify(err), err)
	}
}

func TestClassify_LogicalBenignErrors(t *testing.T) {
	for _, err := range []error{ErrOrderNotFound, ErrDuplicateOrder, ErrInsufficientFunds} {
		assert.Equal(t, LogicalBenign, Classify(err), err)
	}
}

func TestClassify_FatalToBotErrors(t *testing.T) {
	for _, err := range []error{ErrOrderRejected, ErrInvalidOrderParameter} {
		assert.Equal(t, FatalToBot, Classify(err), err)
	}
}

func TestClassify_FatalToProcessErrors(t *testing.T) {
	for _, err := range []error{ErrAuthenticationFailed, ErrInvalidSymbol} {
		assert.Equal(t, FatalToProcess, Classify(err), err)
	}
}

func TestClassify_UnknownErrorDefaultsTransient(t *testing.T) {
	assert.Equal(t, Transient, Classify(errors.New("something unmapped")))
}

func TestClassify_WrappedExchangeErrorStillClassifies(t *testing.T) {
	err := &ExchangeError{Code: -2010, Err: ErrInsufficientFunds}
	assert.Equal(t, LogicalBenign, Classify(err))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrNetwork))
	assert.False(t, IsTransient(ErrInsufficientFunds))
}

func TestResolve_InsufficientFundsSkips(t *testing.T) {
	assert.Equal(t, ResolutionSkip, Resolve(&ExchangeError{Code: -2010, Err: ErrInsufficientFunds}))
}

func TestResolve_InvalidOrderParameterIsFatal(t *testing.T) {
	assert.Equal(t, ResolutionFatal, Resolve(&ExchangeError{Code: -2014, Err: ErrInvalidOrderParameter}))
}

func TestResolve_AuthenticationFailureIsFatal(t *testing.T) {
	assert.Equal(t, ResolutionFatal, Resolve(&ExchangeError{Code: -2015, Err: ErrAuthenticationFailed}))
}

func TestResolve_TransientLogsOnly(t *testing.T) {
	assert.Equal(t, ResolutionLog, Resolve(ErrNetwork))
}
