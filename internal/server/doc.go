// Package server hosts the Fiber HTTP service: request ids, access logging,
// JSON error rendering and the helpers shared by the REST routes under
// server/routes. Content URLs handed to the CDN decorator are built here so
// that every component links back to the same /api/content layout.
package server
