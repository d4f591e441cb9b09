// Package vm implements the Perch virtual machine.
//
// This package contains:
//   - NaN-boxed value representation
//   - Owned cells and the biased reference-count manager
//   - Register-based bytecode, builders, and the disassembler
//   - Frame stack and dispatch loop
//   - Error values with forced try/expect/noexcept handling
//   - Spawn/join process concurrency
//   - Canonical CBOR program wire format
package vm
