// Package internal implements the task service behind the clustertasks facade:
// the lifecycle state machine, processor registry, dispatch loop with its
// per-type worker pools, maintenance loop and scheduled task bootstrap.
//
// Both control loops are plain tickers around Dispatcher.Tick and
// Maintainer.Tick, so tests drive them one step at a time instead of
// waiting on wall-clock intervals.
package internal
