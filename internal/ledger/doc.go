// Package ledger persists bot records and the journal of calls made against
// them. The Service loads a record before each call, applies the call to a
// copy and stores the copy only when the call succeeds; rejected calls are
// journaled without touching the stored state.
package ledger
