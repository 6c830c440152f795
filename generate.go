//go:build ignore

// Package actorvm provides code generation directives for the entire project.
package main

// Generate protobuf code for all proto packages
//go:generate go generate ./proto/worker_bootstrap
