// Package dashboard provides the embedded live viewer for ridecast.
//
// This package uses Go's embed directive to include the viewer HTML, CSS,
// and JavaScript at compile time. This enables single-binary deployment
// without external asset files.
//
// The embedded assets are served by the server package at the root path ("/").
// Users of the ridecast library should not need to interact with this
// package directly.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the viewer web UI.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Viewer page with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
