// Package stage names every fallible step of the harness and carries the
// error taxonomy used to report which step failed.
//
// All harness errors are terminal: nothing in this module retries. A caller
// inspects a failure with Of (outermost stage) or Is (any stage in the chain)
// while errors.Is/errors.As keep working on the wrapped cause.
package stage

import (
	"errors"
	"fmt"
)

// Stage identifies one setup, supervision, negotiation or teardown step.
type Stage int

const (
	Unknown Stage = iota

	// Resource acquisition.
	Bind
	QueryAddress
	CertGen
	ClientConfigBuild
	ServerConfigBuild
	ConfigConversion
	EndpointCreate

	// Process lifecycle.
	Spawn
	ShutdownChannelClosed
	KillFailed
	WaitFailed
	Teardown

	// Handshake.
	ClientConnect
	ServerAccept
	ClientHandshake
	ServerHandshake
	URL
	WebTransportConnect
	WebTransportAccept
	WebTransportConfirm
	BrokerConnect

	// The test continuation itself.
	Closure
)

// Category groups stages the way failures are reported.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryResource
	CategoryProcess
	CategoryHandshake
	CategoryClosure
)

func (c Category) String() string {
	switch c {
	case CategoryResource:
		return "resource"
	case CategoryProcess:
		return "process"
	case CategoryHandshake:
		return "handshake"
	case CategoryClosure:
		return "closure"
	default:
		return "unknown"
	}
}

func (s Stage) String() string {
	switch s {
	case Bind:
		return "bind"
	case QueryAddress:
		return "query-address"
	case CertGen:
		return "cert-gen"
	case ClientConfigBuild:
		return "client-config-build"
	case ServerConfigBuild:
		return "server-config-build"
	case ConfigConversion:
		return "config-conversion"
	case EndpointCreate:
		return "endpoint-create"
	case Spawn:
		return "spawn"
	case ShutdownChannelClosed:
		return "shutdown-channel-closed"
	case KillFailed:
		return "kill"
	case WaitFailed:
		return "wait"
	case Teardown:
		return "teardown"
	case ClientConnect:
		return "client-connect"
	case ServerAccept:
		return "server-accept"
	case ClientHandshake:
		return "client-handshake"
	case ServerHandshake:
		return "server-handshake"
	case URL:
		return "url"
	case WebTransportConnect:
		return "webtransport-connect"
	case WebTransportAccept:
		return "webtransport-accept"
	case WebTransportConfirm:
		return "webtransport-confirm"
	case BrokerConnect:
		return "broker-connect"
	case Closure:
		return "closure"
	default:
		return "unknown"
	}
}

// Category reports the failure class of s.
func (s Stage) Category() Category {
	switch {
	case s >= Bind && s <= EndpointCreate:
		return CategoryResource
	case s >= Spawn && s <= Teardown:
		return CategoryProcess
	case s >= ClientConnect && s <= BrokerConnect:
		return CategoryHandshake
	case s == Closure:
		return CategoryClosure
	default:
		return CategoryUnknown
	}
}

// message is the default context attached to a wrapped cause.
func (s Stage) message() string {
	switch s {
	case Bind:
		return "failed to start TCP listener"
	case QueryAddress:
		return "failed to query local address"
	case CertGen:
		return "failed to generate certificate"
	case ClientConfigBuild:
		return "failed to create client config"
	case ServerConfigBuild:
		return "failed to create server config"
	case ConfigConversion:
		return "failed to convert key pair to TLS certificate"
	case EndpointCreate:
		return "failed to create endpoint"
	case Spawn:
		return "failed to spawn child"
	case ShutdownChannelClosed:
		return "failed to wait for shutdown"
	case KillFailed:
		return "failed to kill child"
	case WaitFailed:
		return "failed to wait for child"
	case Teardown:
		return "failed to stop server"
	case ClientConnect:
		return "failed to connect to server"
	case ServerAccept:
		return "failed to accept connection"
	case ClientHandshake:
		return "failed to establish client connection"
	case ServerHandshake:
		return "failed to establish server connection"
	case URL:
		return "failed to construct URL"
	case WebTransportConnect:
		return "failed to establish WebTransport session"
	case WebTransportAccept:
		return "failed to accept WebTransport session"
	case WebTransportConfirm:
		return "failed to confirm WebTransport session"
	case BrokerConnect:
		return "failed to connect to NATS.io server"
	case Closure:
		return "closure failed"
	default:
		return "harness step failed"
	}
}

// Error is a failure annotated with the stage that produced it.
type Error struct {
	Stage Stage
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error for s without an underlying cause.
func New(s Stage, msg string) error {
	if msg == "" {
		msg = s.message()
	}
	return &Error{Stage: s, Msg: msg}
}

// Wrap annotates err with s and its default message. A nil err stays nil.
func Wrap(s Stage, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Stage: s, Msg: s.message(), Err: err}
}

// Wrapf is Wrap with a caller supplied message.
func Wrapf(s Stage, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Stage: s, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Of returns the outermost stage recorded in err, or Unknown.
func Of(err error) Stage {
	var se *Error
	if errors.As(err, &se) {
		return se.Stage
	}
	return Unknown
}

// Is reports whether any error in err's tree was produced by s. Joined
// errors are searched branch by branch.
func Is(err error, s Stage) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *Error:
		return e.Stage == s || Is(e.Err, s)
	case interface{ Unwrap() []error }:
		for _, branch := range e.Unwrap() {
			if Is(branch, s) {
				return true
			}
		}
		return false
	default:
		return Is(errors.Unwrap(err), s)
	}
}
