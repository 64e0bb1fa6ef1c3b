// Package record defines the unit of data that flows between pipeline steps:
// an ordered-key JSON object. The engine treats record contents as opaque
// apart from identity extraction and the dotted-path lookups used by ROUTE
// conditions.
package record
