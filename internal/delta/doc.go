// Package delta selects the source rows that changed since the last sync.
//
// An enrollment query outer-joins the enrollment-side delta and the
// event-side delta on (patient_identifier, enrollment_date), so a row
// surfaces when either side changed since its own watermark. Columns of the
// enrollment side carry an "enrolled_" prefix; columns of the event side keep
// their table names. A missing side yields NULL columns.
//
// All values are parameterized. Table names come from configuration and are
// validated as identifiers before they are spliced into the SQL.
//
// The returned cursor is lazy and cannot be checkpointed: resuming means
// running the query again.
package delta
