// Package worker drives the offline cache lifecycle for the application's pages.
//
// A Worker moves through install, activate and fetch the way a browser service
// worker does. Install pre-populates every declared cache that does not exist yet
// and reports progress to open pages. Activate prunes caches that are no longer
// declared and claims the pages. Once active, Fetch serves intercepted requests
// from any cache and falls back to a single network fetch whose response is
// written to the main or bulk cache in the background.
package worker
