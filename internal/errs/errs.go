// Package errs defines the machine-readable error kinds the daemon and
// reconciler exchange over the wire (spec section 7), following the
// teacher's api.ErrorResponse{Error, Code} wire shape generalized into a
// typed Go error.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the *_error strings the socket protocol and reconciler
// use to let callers branch on failure without parsing prose.
type Kind string

const (
	FormatError           Kind = "format_error"
	TypeError             Kind = "type_error"
	DBReadError           Kind = "db_read_error"
	DBWriteError          Kind = "db_write_error"
	UserInstallError      Kind = "user_install_error"
	UserUninstallError    Kind = "user_uninstall_error"
	InstanceError         Kind = "instance_error"
	ConfReadError         Kind = "conf_read_error"
	ContainerConfError    Kind = "container_conf_error"
	ContainerStartError   Kind = "container_start_error"
	ContainerUpdateError  Kind = "container_update_error"
	ContainerDestroyError Kind = "container_destroy_error"
	NoContainerError      Kind = "no_container"
	DupContainerError     Kind = "dup_container"
	MaxAllocReached       Kind = "max_alloc_reached"
	ContractIDBadFormat   Kind = "contractid_bad_format"
	DockerImageInvalid    Kind = "docker_image_invalid"
	ContainerNotFound     Kind = "container_not_found"
	InstanceAlreadyExists Kind = "instance_already_exists"
	SashiTimeout          Kind = "sashi_timeout"
)

// Error is a Kind paired with the underlying cause. It implements error and
// Unwrap so callers can both branch on Kind and propagate %w chains.
type Error struct {
	Kind Kind
	Err  error
	// PostCreate marks a Create failure that happened after the
	// container itself was already created on the runtime (spec section
	// 4.1's initiate_error: the caller must treat the partially-created
	// instance as already destroyed, since the daemon rolls it back).
	PostCreate bool
}

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// MarkPostCreate rewraps err, preserving its Kind, flagged PostCreate. Used
// by Service.Create once the container itself exists on the runtime, so
// every failure from that point on is reported as a late-stage failure
// regardless of which specific step (start, persist) raised it.
func MarkPostCreate(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Err: err, PostCreate: true}
}

// IsPostCreate reports whether err (or something it wraps) was flagged by
// MarkPostCreate.
func IsPostCreate(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.PostCreate
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to InstanceError for anything unrecognized so a
// handler never has to special-case "unknown failure".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InstanceError
}
