// Package model provides the payload and state types shared by the sync engine.
//
// This package contains type definitions and small helpers only. All other
// internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Correlation keys (ProgramUniqueID, EventUniqueID) never leave the process;
//     they are excluded from the wire encoding
//   - Remote ids are empty until the remote service assigns them
//   - All timestamps are naive wall-clock values interpreted as UTC
package model
