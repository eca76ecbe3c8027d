// Command tachyon applies versioned SQL migrations to named environments and
// promotes release manifests from staging to production.
//
// Usage:
//
//	tachyon [flags] <command>
//
// Commands that touch a database (migrate, status, doctor,
// init-compliance-data) need an environment from --env or TACHYON_ENV.
// Release commands work against the configured manifest store.
package main

func main() {
	Execute()
}
