// Package reconcile matches remote import summaries to submitted items.
//
// The remote API returns outcomes as an ordered list with no key back to
// the request. Outcome i belongs to item i; a length mismatch fails the
// job rather than misaligning tracker writes.
package reconcile
