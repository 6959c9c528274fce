// Package registry records unit names seen in telemetry or registered by an
// operator. Uniqueness of device_name is enforced by the store, so concurrent
// reconciles of the same name need no application-level locking.
package registry

import (
	"context"
	"fmt"
	"time"

	"solartracker/solarsync/internal/model"
	"solartracker/solarsync/internal/telemetry"
)

// Upserter is the persistence primitive the reconciler depends on.
type Upserter interface {
	UpsertDeviceRegistration(ctx context.Context, name string, at time.Time) (model.DeviceRegistration, error)
}

// PersistenceError wraps a store failure during reconciliation.
type PersistenceError struct {
	Op   string
	Name string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("registry %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Result reports the outcome of a Reconcile call.
type Result struct {
	Registration model.DeviceRegistration
	// Skipped is true when the name was not eligible and nothing was written.
	Skipped bool
}

// Reconciler idempotently upserts device registrations.
type Reconciler struct {
	store Upserter
	now   func() time.Time
}

// New returns a reconciler writing through store.
func New(store Upserter) *Reconciler {
	return &Reconciler{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Reconcile records a sighting of name. Empty names and the "unknown"
// placeholder are skipped without touching the store.
func (r *Reconciler) Reconcile(ctx context.Context, name string) (Result, error) {
	return r.ReconcileAt(ctx, name, r.now())
}

// ReconcileAt is Reconcile with an explicit sighting time.
func (r *Reconciler) ReconcileAt(ctx context.Context, name string, at time.Time) (Result, error) {
	if !telemetry.EligibleName(name) {
		return Result{Skipped: true}, nil
	}

	name = telemetry.CanonicalName(name)
	reg, err := r.store.UpsertDeviceRegistration(ctx, name, at)
	if err != nil {
		return Result{}, &PersistenceError{Op: "upsert", Name: name, Err: err}
	}
	return Result{Registration: reg}, nil
}
