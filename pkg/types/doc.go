/*
Package types defines the core identifiers and shared data structures of
the Strata cluster: node identities, partition ids, operator-declared
node roles, quorum parameters, and the error taxonomy every other
package normalizes to.

The package sits at the bottom of the dependency graph and must not
import any other Strata package.

# Error taxonomy

Errors returned across package boundaries wrap one of the sentinel
values defined here (ErrQuorumFailed, ErrTimeout, ErrLayoutMismatch,
ErrInfeasibleLayout, ErrBusy, ErrCorrupted, ErrProtocol, ErrNotFound).
Callers branch with errors.Is; raw transport or storage errors never
cross the table-engine API.
*/
package types
