// Package ledger tracks which members currently hold which permissions.
//
// State is a map from (subject, record type, permission) to granted/revoked,
// derived from authorize and revoke records in the order they are processed
// on this replica. Queries answer from that state only: there is no replay
// by global time, so a check made before a grant is processed returns false
// even if the grant is logically older. Two replicas may disagree until both
// have processed the same grant records.
//
// Community masters implicitly hold every permission.
package ledger
