// Package security validates run requests before any process is spawned and
// keeps the registry of live test processes.
//
// DefaultValidator rejects requests that name a framework outside the
// allowlist, escape the working directory with "..", carry shell
// metacharacters in paths or test names, override loader-sensitive
// environment variables, or exceed the configured worker and duration caps.
// It also throttles process spawns with a token bucket.
package security
