// Package remote is the submission client of the remote tracker API.
//
// Items are serialized in the order given and the response's import
// summaries are returned in the order received; the reconciler matches
// them to items by position only.
package remote
