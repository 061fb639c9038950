// Package httpapi exposes read-only HTTP endpoints over a replica:
//
//	GET /health
//	GET /records/{author}/{type}/{time}
//	GET /records/{author}/{type}/{time}/cancellation
//
// Writes only arrive over the overlay transport or from the local CLI.
package httpapi
