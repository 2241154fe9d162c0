// Package harness runs conformance scenarios against the sync engine.
//
// A scenario seeds the source tables, scripts the remote tracker, runs one
// or more jobs and asserts on the resulting tracker, watermarks and the
// requests the remote received.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	setup:
//	  enrollments:
//	    - { patient: P1, unique_id: puid-1, status: ACTIVE, created: "2024-01-01 10:00:00" }
//	  events:
//	    - { patient: P1, unique_id: ev-1, enrollment_unique_id: puid-1, created: "2024-01-01 10:05:00" }
//	  watermarks:
//	    - { table: hts_enrollments, category: new-active, at: "2023-12-31 00:00:00" }
//	remote:
//	  reject:
//	    - { org_unit: ou-bad, description: "Enrollment already exists" }
//	runs:
//	  - category: new-active
//	    expect: { status: success, rows: 1, submitted: 1 }
//	assertions:
//	  - { type: watermark, table: hts_enrollments, category: new-active, expect: "2024-01-01 10:00:00" }
//	  - { type: tracked_enrollment, unique_id: puid-1, status: ACTIVE }
//
// # Assertion Types
//
//   - watermark: the stored marker of table and category equals expect
//   - tracked_enrollment: the tracker holds unique_id with status, or nothing when absent
//   - tracked_instance: the tracker holds a remote id for patient, or nothing when absent
//   - tracked_count: the tracker holds count rows of kind (enrollments or events)
//   - request_count: the remote received count requests
//
// # Deterministic Testing
//
// Every scenario runs against a fresh sqlite database with a fixed clock,
// sequential job ids and a fake remote that hands out sequential ids, so the
// request trace compares byte for byte against a golden file.
package harness
