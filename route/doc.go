// Package route evaluates ROUTE step branches against records.
//
// A branch holds an ordered list of field conditions combined with "all"
// (default) or "any". A branch without conditions always matches. Select
// returns the first matching branch in declaration order, falling back to
// the default branch; a record matching nothing with no default is dropped.
package route
