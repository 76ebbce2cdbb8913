// Package main provides the go-provision CLI tool, which prepares an app for
// development deployment: it registers the target device, resolves a
// development signing certificate, registers app ids and mints provisioning
// profiles for every bundle of the app.
//
// For the library API, see the provision subpackage:
//
//	import "github.com/aluedeke/go-provision/pkg/provision"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-provision@latest
package main
