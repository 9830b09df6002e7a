// Package mcpserver exposes sandbox sessions over the Model Context Protocol.
//
// Each tool maps onto one sandbox.Registry operation: create_sandbox,
// execute_code, run_command, install_package, the file tools and
// close_sandbox work on a session identified by session_id, while
// create_run_close wraps a whole lifecycle in one call. Results are JSON
// text content; failures are IsError results of the form
//
//	{"error":{"kind":"NotFound","message":"..."}}
//
// The server runs on stdio or, for the http transport, behind a chi router
// that serves the streamable HTTP endpoint at /mcp and a health check at
// /healthz.
//
// Usage:
//
//	srv, err := mcpserver.New(cfg, logger, registry, journalStore)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = srv.ServeStdio() // or srv.ServeHTTP()
package mcpserver
