// Package engine runs sync jobs.
//
// A job is one (program, category) pass over the delta:
//
//	Idle -> Reading -> Transforming -> Submitting -> Reconciling -> Tracking
//	     -> AdvancingWatermark | Failed
//
// Chunks run strictly in sequence and the steps of a job run strictly in
// sequence; a fatal error in any state moves the job to Failed and skips
// whatever remains. Business failures (rejected or conflicting items) let
// the job finish but mark it failed. Rows without a correlation key are
// skipped with a warning.
//
// The watermark moves only when the job ends without any failure, and
// only forward.
//
// The engine provides no locking across jobs. Two jobs on the same
// (program, category) running at once leave the watermark of the last
// writer.
package engine
