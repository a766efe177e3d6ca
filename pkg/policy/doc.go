// Package policy runs named authorization policies against a request.
//
// A policy is a Func registered under a name on an Executor. Executing one or
// more names builds a fresh Request per name from the caller's data, invokes
// every policy without waiting on the others, and joins their Outcomes: the
// combined Outcome succeeds only when every policy succeeded and fails with the
// first failure observed.
//
// Callers must handle two distinct failure channels. Misuse of the executor
// (an unknown policy name, a selector of the wrong shape) is reported
// immediately as the error result of Execute and no policy runs. A policy that
// ran and failed is reported later, through the returned Outcome.
//
// The package has no transport or storage concerns; see pkg/server for the
// HTTP decision service and pkg/policy/rego for Rego-backed policies.
package policy
