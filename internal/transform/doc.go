// Package transform turns delta rows into remote payloads.
//
// Each sync category has its own Builder, selected once per job by For.
// Builders share one Run per job; the Run carries the watermark candidates
// and the failure flag that the reconciler and the engine read back.
package transform
