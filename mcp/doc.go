// Package mcp manages tool-server subprocesses and the line-delimited
// JSON-RPC protocol they speak over stdio.
//
// Transport frames requests and correlates responses over one child's
// stdin/stdout. ToolServer owns one child process end to end: spawn,
// initialize handshake, tools/list, health probing, restart with backoff,
// graceful stop. Manager keeps the table of live servers and routes
// invocations by server id.
package mcp
