// Package node implements the run modes of the quarry binary.
//
// A master binds its vat, prints the token slaves need ("master path:
// <token>") and serves the machine registry. Its operator endpoints and
// metrics are bound on a separate listener, loopback by default. A slave decodes that token,
// connects, registers its role broker with addMachine and then serves
// until told to stop. A grain runs one supervised command.
//
// Startup failures (a malformed token, an unreachable master) are returned
// to the caller; nothing is retried.
package node
