// Package internal contains the implementation packages of buildwatch.
//
// # Package Organization
//
//   - action: runs the external build command and snapshots its output
//   - artifact: output files, their kinds and content hashes
//   - budget: output size budgets
//   - build: the build loop, one result per build or rebuild
//   - cache: bounded LRU caches for file hashes and processors
//   - config: configuration loading and validation
//   - errors: typed errors and error collection
//   - livereload: websocket notifications for connected browsers
//   - logging: structured logging
//   - metrics: Prometheus metrics
//   - output: writes results to disk and keeps an in-memory overlay
//   - prerender: renders routes into static pages in parallel
//   - results: compares successive builds into full or incremental results
//   - validation: command line, path and origin checks
//   - version: build information
//   - watcher: debounced file watching
//
// # Data Flow
//
// The build.Runner invokes the action, hands the artifact set to
// results.Emit together with the previous build's hashes, and yields the
// results to the command. The command writes them with output.Writer,
// keeps output.Overlay current, prerenders from the overlay and publishes
// each result to livereload.Hub.
package internal
