package faults

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared across packages. Callers match with errors.Is.
var (
	// ErrLockTimeout is returned when the run lock could not be acquired
	// within the caller's deadline. Retryable at the caller's discretion.
	ErrLockTimeout = errors.New("run lock acquisition timed out")

	// ErrSwapStarted is returned when a cancellation arrives after the
	// bundle swap has begun. The deploy either completes or fails.
	ErrSwapStarted = errors.New("cancellation refused: bundle swap already started")

	// ErrPersistentFailure marks a service whose crash-loop guard tripped.
	ErrPersistentFailure = errors.New("persistent failure: restart budget exhausted")

	// ErrStrategyImmutable is returned when provision is invoked with a
	// strategy different from the recorded one without --reprovision.
	ErrStrategyImmutable = errors.New("strategy already provisioned; re-provision explicitly to change it")
)

// PreflightError carries the complete set of failed host checks so the
// operator sees every remediation in one pass.
type PreflightError struct {
	Failures []string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight failed: %s", strings.Join(e.Failures, "; "))
}

// ValidationError rejects a candidate configuration or release before any
// service is touched.
type ValidationError struct {
	Artifact string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Artifact, e.Reason)
}

// DegradedError reports a deploy whose swap succeeded but whose post-swap
// health check did not settle within the grace period. Not rolled back.
type DegradedError struct {
	Services []string
	Grace    time.Duration
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("deployment degraded: %s unhealthy after %s grace", strings.Join(e.Services, ", "), e.Grace)
}

// RenewalError wraps a certificate renewal failure. Callers treat it as a
// warning while the previous certificate is still valid.
type RenewalError struct {
	Domain string
	Err    error
}

func (e *RenewalError) Error() string {
	return fmt.Sprintf("certificate renewal for %s failed: %v", e.Domain, e.Err)
}

func (e *RenewalError) Unwrap() error { return e.Err }

/// PartialApplyError should not occur: validation precedes every mutation.
// If observed it is logged as a critical defect by the caller.
type PartialApplyError struct {
	Stage string
	Err   error
}

func (e *PartialApplyError) Error() string {
	return fmt.Sprintf("invariant violation: partial apply at stage %q: %v", e.Stage, e.Err)
}

func (e *PartialApplyError) Unwrap() error { return e.Err }
