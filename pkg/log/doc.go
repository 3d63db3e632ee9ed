/*
Package log provides structured logging for OpenClaw storage using zerolog.

The root logger discards everything until Setup runs, so applications that
embed the storage layer as a library stay silent unless they opt in. Child
loggers carry the fields the storage layer filters on:

	log.Component("router")
	log.Backend("agentcore")

Configure once at process start:

	log.Setup(log.Config{Level: "info", JSON: true})

Output defaults to stderr so machine-readable command output on stdout
stays clean.
*/
package log
