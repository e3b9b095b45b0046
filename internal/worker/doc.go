// Package worker supervises grains, the units of work a machine runs once
// it takes the worker role.
//
// A grain moves through starting, running and then stopped or failed.
// Processes are created by a Launcher; the default one re-executes the
// quarry binary in grain mode so each grain has its own supervisor
// process. Grain ids may be reused after the previous grain exits.
package worker
