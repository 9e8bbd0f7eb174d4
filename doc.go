// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package staticd provides a minimal static file server which speaks just
// enough HTTP/1.1 for a browser or curl.
//
// Every connection carries a single request. The request line's path is
// resolved against a root directory: an empty path or "/" serves
// index.html, and a path with no matching file is retried with ".html"
// appended. Anything else, including paths which would leave the root,
// gets a fixed 404 response. The connection is closed after the response.
//
// The server runs until an operator types "exit" or "quit" on stdin or the
// process receives an interrupt, after which in-flight connections get a
// bounded amount of time to finish.
//
// # Usage
//
//	staticd <port_number> [--root dir] [--config staticd.yaml]
//
// Every setting may also come from a YAML file or a STATICD_ prefixed
// environment variable, see package config.
package staticd
