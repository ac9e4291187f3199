// Package stores persists operation history for hubctl.
//
// The SQLite store keeps one row per orchestrated operation, one row per
// attempt and an append-only event log. It implements
// engine.HistoryRecorder so the orchestrator records every attempt as it
// happens and the terminal result (including the diagnostic report) when
// the operation completes. The schema is embedded and applied with
// golang-migrate; the driver is the pure Go modernc.org/sqlite.
package stores
