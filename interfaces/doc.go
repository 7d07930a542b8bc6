// Package interfaces defines the collaborator abstractions consumed by the
// live streaming core.
//
// Authentication, device administration and audit persistence live outside
// this repository. The streaming core only touches them through the
// interfaces defined here, which enables switching between simulation and
// real implementations, supporting both production deployments and
// deterministic testing scenarios.
//
// # Core Interfaces
//
// [ICommandDispatcher] delivers start/stop commands to a remote device
// through whatever command channel the deployment provides:
//
//	err := dispatcher.Dispatch(deviceID, interfaces.CommandStreamStart, sessionID)
//	if err != nil {
//	    log.Printf("dispatch failed: %v", err)
//	}
//
// [IDeviceAuthorizer] answers whether a listener identity may access a
// device; it is consulted before any session is created.
//
// [IAuditSink] receives stream lifecycle events for persistence by an
// external audit subsystem.
//
// [ICredentialVerifier] resolves a listener's presented credential to an
// identity during transport authentication.
//
// # Simulation Implementations
//
// The package ships in-memory implementations (SimulatedDispatcher,
// MemoryAuditSink, AllowAllAuthorizer, StaticVerifier) used by tests and
// the example programs. Production deployments provide their own backed by
// real infrastructure.
package interfaces
